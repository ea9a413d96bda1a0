package registry

import "fmt"

// RegistryError reports a failed manifest fetch for a single tool.
type RegistryError struct {
	Tool       string
	URL        string
	StatusCode int
	Err        error
}

func (e *RegistryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("registry request for tool %q failed: %s returned status %d", e.Tool, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("registry request for tool %q failed: %v", e.Tool, e.Err)
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}

// DownloadError reports a failed artifact download for a single tool.
type DownloadError struct {
	Tool string
	File string
	Err  error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("failed to download %q for tool %q: %v", e.File, e.Tool, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}
