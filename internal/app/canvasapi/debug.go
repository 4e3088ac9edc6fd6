package canvasapi

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/a-h/templ"
	"github.com/sharedcanvas/project/internal/canvas"
	"github.com/sharedcanvas/project/internal/contracts"
)

// debugPage renders a read-only table of a canvas session: the history
// cursor and every cached object in draw order.
func debugPage(canvasID string, status canvas.Status, objects contracts.Snapshot) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		esc := templ.EscapeString[string]
		if _, err := fmt.Fprintf(w, `<!doctype html><html><head><meta charset="utf-8"><title>canvas %s</title></head><body>`, esc(canvasID)); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, `<h1>Canvas %s</h1><p>history index %d of %d (version %d) undo=%t redo=%t</p>`,
			esc(canvasID), status.Index, status.Length, status.Version, status.CanUndo, status.CanRedo); err != nil {
			return err
		}
		if _, err := io.WriteString(w, `<table><thead><tr><th>id</th><th>type</th><th>x</th><th>y</th><th>z</th><th>fill</th><th>created by</th></tr></thead><tbody>`); err != nil {
			return err
		}
		for _, obj := range objects {
			if _, err := fmt.Fprintf(w, `<tr><td>%s</td><td>%s</td><td>%.1f</td><td>%.1f</td><td>%d</td><td>%s</td><td>%s</td></tr>`,
				esc(obj.ID), esc(string(obj.Type)), obj.X, obj.Y, obj.ZIndex, esc(obj.Fill), esc(obj.CreatedBy)); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, `</tbody></table></body></html>`)
		return err
	})
}

func (h *Handler) handleDebugPage(w http.ResponseWriter, r *http.Request) {
	h.withEngine(w, r, func(e *canvas.Engine) {
		page := debugPage(accessFrom(r.Context()).CanvasID, e.HistoryStatus(), e.Objects())
		templ.Handler(page).ServeHTTP(w, r)
	})
}
