package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"std2bids/internal/fileutil"
	"std2bids/internal/services"
	"std2bids/internal/workspace"
)

// Relocator finalizes standalone runs by moving the staging workspace to
// <Root>/sub-<label>. A workspace already at its destination is left alone.
type Relocator struct {
	Root string
}

// Destination is where the subject ends up.
func (r Relocator) Destination(label string) string {
	return filepath.Join(r.Root, "sub-"+label)
}

// Finalize implements Finalizer.
func (r Relocator) Finalize(_ context.Context, ws *workspace.Workspace) (string, error) {
	if err := ws.Verify(); err != nil {
		return "", err
	}
	dest := r.Destination(ws.Label())
	src := ws.Path()
	if same, err := samePath(src, dest); err != nil {
		return "", services.Wrap(services.ErrFinalize, "finalize", "resolve", dest, err)
	} else if same {
		return dest, nil
	}

	if err := fileutil.MoveDir(src, dest); err != nil {
		if errors.Is(err, fileutil.ErrExists) {
			return "", services.Wrap(services.ErrFinalize, "finalize", "relocate",
				fmt.Sprintf("destination %s already exists; workspace kept at %s", dest, src), nil)
		}
		return "", services.Wrap(services.ErrFinalize, "finalize", "relocate", src, err)
	}
	return dest, nil
}

func samePath(a, b string) (bool, error) {
	absA, err := filepath.Abs(a)
	if err != nil {
		return false, err
	}
	absB, err := filepath.Abs(b)
	if err != nil {
		return false, err
	}
	if absA == absB {
		return true, nil
	}
	infoA, errA := os.Stat(absA)
	infoB, errB := os.Stat(absB)
	if errA != nil || errB != nil {
		return false, nil
	}
	return os.SameFile(infoA, infoB), nil
}
