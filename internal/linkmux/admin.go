package linkmux

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"

	"tailscale.com/tsweb"

	"github.com/banshee-data/pulsebed/internal/httputil"
	"github.com/banshee-data/pulsebed/internal/protocol"
)

//go:embed templates/*
var adminTemplateFS embed.FS

var sendFrameTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-frame.html.tmpl"))

// AttachAdminRoutes attaches ring debugging endpoints to the given HTTP mux
// under /debug/. These routes are meant for localhost or tailnet access only.
func (m *Mux) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("Ring connected", func() any { return m.Connected() })

	if m.Disabled() {
		debug.HandleFunc("ring-disabled", "ring link disabled", func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "ring link disabled")
		})
		return
	}

	// Frame sender and live tail, backed by the two endpoints below.
	debug.HandleFunc("ring-send", "send a frame to the ring", func(w http.ResponseWriter, r *http.Request) {
		if err := sendFrameTemplate.Execute(w, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
		}
	})

	debug.HandleSilentFunc("ring-send-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		payload, err := protocol.ParseHex(r.FormValue("payload"))
		if err != nil || len(payload) == 0 {
			http.Error(w, "Missing or malformed payload", http.StatusBadRequest)
			return
		}
		switch strings.ToLower(r.FormValue("channel")) {
		case "control":
			typ, err := protocol.ParseHex(r.FormValue("type"))
			if err != nil || len(typ) != 1 {
				http.Error(w, "Control frames need a one byte type", http.StatusBadRequest)
				return
			}
			err = m.SendControl(typ[0], payload)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			fmt.Fprintf(w, "Sent control frame type %02x payload %s", typ[0], protocol.FormatHex(payload))
		default:
			if err := m.SendSettings(payload); err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			fmt.Fprintf(w, "Sent settings frame %s", protocol.FormatHex(payload))
		}
	})

	// Server-Sent Events of every frame the ring sends.
	debug.HandleSilentFunc("ring-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id, c := m.Subscribe()
		defer m.Unsubscribe(id)
		httputil.StreamEvents(w, r, c, func(n Notification) string {
			return n.Channel.tag() + " " + protocol.FormatHex(n.Data)
		})
	})

	debug.HandleSilentFunc("ring-tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")
		f, err := adminTemplateFS.Open("templates/tail.js")
		if err != nil {
			http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})
}
