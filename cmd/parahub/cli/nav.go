package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/parahub/parahub/internal/navigation"
)

// NavCLI performs sidebar layout maintenance without version checks.
type NavCLI struct {
	admin *navigation.Admin
}

// NewNavCLI constructs the helper.
func NewNavCLI(admin *navigation.Admin) *NavCLI {
	return &NavCLI{admin: admin}
}

// LayoutTarget picks either one user's layout or the global one.
type LayoutTarget struct {
	UserID int64
	Global bool
}

func (t LayoutTarget) validate() error {
	if t.Global == (t.UserID > 0) {
		return errors.New("exactly one of --user or --global is required")
	}
	return nil
}

// LayoutReport is the printed result of a layout command.
type LayoutReport struct {
	Scope     string            `json:"scope"`
	UserID    int64             `json:"user_id,omitempty"`
	Version   int               `json:"version"`
	HasCustom bool              `json:"has_custom"`
	ETag      string            `json:"etag"`
	Layout    navigation.Layout `json:"layout"`
}

// Import reads a layout document from in and stores it for target.
func (c *NavCLI) Import(ctx context.Context, target LayoutTarget, in io.Reader, out io.Writer) error {
	if err := target.validate(); err != nil {
		return err
	}
	var layout navigation.Layout
	if err := json.NewDecoder(in).Decode(&layout); err != nil {
		return fmt.Errorf("decode layout: %w", err)
	}
	var (
		snap navigation.Snapshot
		err  error
	)
	if target.Global {
		snap, err = c.admin.ImportGlobalLayout(ctx, layout)
	} else {
		snap, err = c.admin.ImportUserLayout(ctx, target.UserID, layout)
	}
	if err != nil {
		return err
	}
	return json.NewEncoder(out).Encode(report(target, snap))
}

// Reset clears the global overrides or drops a user's layout.
func (c *NavCLI) Reset(ctx context.Context, target LayoutTarget, out io.Writer) error {
	if err := target.validate(); err != nil {
		return err
	}
	if !target.Global {
		if err := c.admin.ClearUserLayout(ctx, target.UserID); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "user %d layout removed\n", target.UserID)
		return nil
	}
	snap, err := c.admin.ResetGlobalLayout(ctx)
	if err != nil {
		return err
	}
	return json.NewEncoder(out).Encode(report(target, snap))
}

func report(target LayoutTarget, snap navigation.Snapshot) LayoutReport {
	r := LayoutReport{
		Scope:     "global",
		Version:   snap.Version,
		HasCustom: snap.HasCustom,
		ETag:      snap.ETag,
		Layout:    snap.Layout,
	}
	if !target.Global {
		r.Scope = "user"
		r.UserID = target.UserID
	}
	return r
}
