package deps

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Requirement defines an external tool std2bids drives.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status is a Requirement after resolution. Path is the executable that a
// run would start.
type Status struct {
	Requirement
	Path      string
	Available bool
	Detail    string
}

var lookPath = exec.LookPath

// CheckBinaries resolves every requirement against PATH.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		req.Command = strings.TrimSpace(req.Command)
		req.Description = strings.TrimSpace(req.Description)
		results = append(results, resolve(req))
	}
	return results
}

func resolve(req Requirement) Status {
	status := Status{Requirement: req}
	if req.Command == "" {
		status.Detail = "command not configured"
		return status
	}
	path, err := lookPath(req.Command)
	if err != nil {
		status.Detail = fmt.Sprintf("binary %q not found", req.Command)
		return status
	}
	info, err := os.Stat(path)
	if err != nil {
		status.Detail = fmt.Sprintf("stat %s: %v", path, err)
		return status
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		status.Detail = fmt.Sprintf("%s is not executable", path)
		return status
	}
	status.Path = path
	status.Available = true
	return status
}
