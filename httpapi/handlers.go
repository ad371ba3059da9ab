package httpapi

import (
	"net/http"
	"strconv"

	"github.com/Rushilwiz/director4/schema"
)

// SiteView is a site definition together with its process snapshot.
type SiteView struct {
	Site    schema.Site            `json:"site"`
	Process schema.ProcessInstance `json:"process"`
}

func (s *Server) handleListSites(w http.ResponseWriter, r *http.Request) {
	sites := s.store.List()
	views := make([]SiteView, 0, len(sites))
	for _, site := range sites {
		instance, err := s.orch.Status(r.Context(), site.ID)
		if err != nil {
			instance = schema.ProcessInstance{SiteID: site.ID, State: schema.StateStopped}
		}
		views = append(views, SiteView{Site: site, Process: instance})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreateSite(w http.ResponseWriter, r *http.Request) {
	var req CreateSiteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	site, err := s.store.Create(schema.Site{
		ID:        schema.SiteID(req.ID),
		Owner:     req.Owner,
		BaseImage: req.BaseImage,
		Packages:  req.Packages,
		Override:  req.Override.toSchema(),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("site create ok", "site", site.ID, "owner", site.Owner)
	writeJSON(w, http.StatusCreated, site)
}

func (s *Server) handleGetSite(w http.ResponseWriter, r *http.Request) {
	site, err := s.store.Get(siteParam(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	instance, err := s.orch.Status(r.Context(), site.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SiteView{Site: site, Process: instance})
}

func (s *Server) handleUpdateSite(w http.ResponseWriter, r *http.Request) {
	var req UpdateSiteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	site, err := s.store.Update(siteParam(r), func(site *schema.Site) error {
		if req.BaseImage != nil {
			site.BaseImage = *req.BaseImage
		}
		if req.Packages != nil {
			site.Packages = *req.Packages
		}
		if req.Override != nil {
			site.Override = req.Override.toSchema()
		}
		if req.Desired != nil {
			site.Desired = schema.DesiredState(*req.Desired)
		}
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// A live process keeps its old derivation; it is only marked as
	// needing a restart.
	s.orch.SiteUpdated(site.ID, site.Revision)
	writeJSON(w, http.StatusOK, site)
}

func (s *Server) handleDeleteSite(w http.ResponseWriter, r *http.Request) {
	siteID := siteParam(r)
	if _, err := s.store.Get(siteID); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.orch.Forget(r.Context(), siteID); err != nil {
		writeDomainError(w, err)
		return
	}
	if s.dropper != nil {
		if err := s.dropper.Drop(r.Context(), siteID); err != nil {
			s.logger.Warn("site database drop failed", "site", siteID, "err", err)
		}
	}
	if err := s.store.Delete(siteID); err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("site delete ok", "site", siteID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	siteID := siteParam(r)
	if _, err := s.store.Update(siteID, func(site *schema.Site) error {
		site.Desired = schema.DesiredRunning
		return nil
	}); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.orch.Start(r.Context(), siteID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "starting"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	siteID := siteParam(r)
	if _, err := s.store.Update(siteID, func(site *schema.Site) error {
		site.Desired = schema.DesiredStopped
		return nil
	}); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.orch.Stop(r.Context(), siteID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	siteID := siteParam(r)
	if err := s.orch.Restart(r.Context(), siteID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	instance, err := s.orch.Status(r.Context(), siteParam(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 10000 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	stdout, stderr, err := s.orch.Logs(r.Context(), siteParam(r), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{
		"stdout": stdout,
		"stderr": stderr,
	})
}
