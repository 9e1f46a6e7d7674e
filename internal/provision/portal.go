package provision

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/digiplayer/agent/internal/logging"
)

//go:embed templates/*.html
var templateFS embed.FS

// Portal is the configuration web endpoint served while the access point
// is up. It runs concurrently with the main loop and stays responsive
// even while a credential application is in flight.
type Portal struct {
	prov      *Provisioner
	templates *template.Template

	mu     sync.Mutex
	server *http.Server
}

func NewPortal(prov *Provisioner) *Portal {
	return &Portal{
		prov:      prov,
		templates: template.Must(template.ParseFS(templateFS, "templates/*.html")),
	}
}

// Start begins serving on addr. The listener is opened synchronously so
// bind errors surface to the caller instead of a background goroutine.
func (p *Portal) Start(addr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server != nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", p.handleForm)
	mux.HandleFunc("POST /connect", p.handleConnect)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	p.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("portal server stopped", logging.KeyError, err)
		}
	}(p.server)

	return nil
}

// Stop shuts the portal down, waiting briefly for in-flight requests.
func (p *Portal) Stop(ctx context.Context) {
	p.mu.Lock()
	srv := p.server
	p.server = nil
	p.mu.Unlock()
	if srv == nil {
		return
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
	}
}

type formData struct {
	SSID     string
	Networks []string
	Message  string
	Failed   bool
}

func (p *Portal) handleForm(w http.ResponseWriter, r *http.Request) {
	scanCtx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	data := formData{
		SSID:     p.prov.SSID(),
		Networks: p.prov.ScanNetworks(scanCtx),
	}
	p.render(w, http.StatusOK, data)
}

func (p *Portal) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	creds := Credentials{
		SSID:       r.PostFormValue("ssid"),
		Passphrase: r.PostFormValue("passphrase"),
	}
	if creds.SSID == "" {
		p.render(w, http.StatusBadRequest, formData{
			SSID:    p.prov.SSID(),
			Message: "Select a network first.",
			Failed:  true,
		})
		return
	}

	err := p.prov.Apply(r.Context(), creds)
	switch {
	case errors.Is(err, ErrBusy):
		p.render(w, http.StatusConflict, formData{
			SSID:    p.prov.SSID(),
			Message: "Another attempt is already being applied. Try again in a moment.",
			Failed:  true,
		})
	case err != nil:
		p.render(w, http.StatusBadGateway, formData{
			SSID:    p.prov.SSID(),
			Message: "Could not join " + creds.SSID + ". Check the passphrase and try again.",
			Failed:  true,
		})
	default:
		// The access point goes down on success, so this response may
		// never reach the operator's browser. The disappearing network
		// is itself the success signal.
		p.render(w, http.StatusOK, formData{
			SSID:    p.prov.SSID(),
			Message: "Connected. The player is going back online.",
		})
	}
}

func (p *Portal) render(w http.ResponseWriter, status int, data formData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := p.templates.ExecuteTemplate(w, "portal.html", data); err != nil {
		log.Error("portal template render failed", logging.KeyError, err)
	}
}
