// Copyright 2020 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/tinyportal/registry"
	"github.com/pingcap-incubator/tinyportal/replication"
	"github.com/pingcap-incubator/tinyportal/storage"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/disk"
	"github.com/unrolled/render"
	"github.com/urfave/negroni"
	"go.uber.org/zap"
)

// Status is served at /status.
type Status struct {
	Name        string             `json:"name"`
	ServerID    string             `json:"server_id"`
	Dialect     string             `json:"dialect"`
	InterServer bool               `json:"inter_server"`
	Portals     int                `json:"portals"`
	Networks    int                `json:"networks"`
	StartTime   time.Time          `json:"start_time"`
	Replication *replication.Stats `json:"replication,omitempty"`
	Disk        *DiskStatus        `json:"disk,omitempty"`
}

// DiskStatus reports the volume holding an embedded database.
type DiskStatus struct {
	Path      string `json:"path"`
	Capacity  uint64 `json:"capacity"`
	Available uint64 `json:"available"`
	Summary   string `json:"summary"`
}

func diskStatus(dbPath string) (*DiskStatus, error) {
	dir := filepath.Dir(dbPath)
	stat, err := disk.Usage(dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &DiskStatus{
		Path:      dir,
		Capacity:  stat.Total,
		Available: stat.Free,
		Summary:   units.HumanSize(float64(stat.Free)) + " free of " + units.HumanSize(float64(stat.Total)),
	}, nil
}

// NetworkInfo is one entry of /networks.
type NetworkInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Kind        string   `json:"kind"`
	InterServer bool     `json:"inter_server"`
	Portals     []string `json:"portals"`
}

// PortalInfo is one entry of /networks/{network}/portals.
type PortalInfo struct {
	Name        string `json:"name"`
	Destination string `json:"destination,omitempty"`
	Flags       string `json:"flags"`
	Owner       string `json:"owner"`
	Open        bool   `json:"open"`
	Virtual     bool   `json:"virtual"`
	Server      string `json:"server,omitempty"`
}

type statusHandler struct {
	svr *Server
	rd  *render.Render
}

func newStatusHandler(svr *Server, rd *render.Render) *statusHandler {
	return &statusHandler{svr: svr, rd: rd}
}

func createRouter(svr *Server) *mux.Router {
	rd := render.New(render.Options{IndentJSON: true})
	h := newStatusHandler(svr, rd)
	router := mux.NewRouter()
	router.HandleFunc("/status", h.Status).Methods("GET")
	router.HandleFunc("/networks", h.Networks).Methods("GET")
	router.HandleFunc("/networks/{network}/portals", h.Portals).Methods("GET")
	router.HandleFunc("/servers", h.Servers).Methods("GET")
	router.Handle("/metrics", promhttp.Handler())
	return router
}

func interParam(r *http.Request) (bool, error) {
	v := r.URL.Query().Get("inter")
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

func (h *statusHandler) Status(w http.ResponseWriter, r *http.Request) {
	st := Status{
		Name:        h.svr.Name(),
		ServerID:    h.svr.ServerID(),
		Dialect:     h.svr.cfg.Storage.Dialect,
		InterServer: h.svr.cfg.Storage.InterServer,
		StartTime:   h.svr.startTime,
	}
	v, err := h.svr.Snapshot(func(reg *registry.Registry) interface{} {
		return [2]int{reg.Len(), len(reg.Networks(false)) + len(reg.Networks(true))}
	})
	if err != nil {
		h.rd.JSON(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	counts := v.([2]int)
	st.Portals, st.Networks = counts[0], counts[1]
	if ch := h.svr.Channel(); ch != nil {
		stats := ch.Stats()
		st.Replication = &stats
	}
	if h.svr.cfg.Storage.Dialect == storage.SQLite {
		ds, err := diskStatus(h.svr.cfg.Storage.Path)
		if err != nil {
			log.Warn("read disk usage failed", zap.Error(err))
		} else {
			st.Disk = ds
		}
	}
	h.rd.JSON(w, http.StatusOK, st)
}

func (h *statusHandler) Networks(w http.ResponseWriter, r *http.Request) {
	inter, err := interParam(r)
	if err != nil {
		h.rd.JSON(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := h.svr.Snapshot(func(reg *registry.Registry) interface{} {
		var infos []NetworkInfo
		for _, n := range reg.Networks(inter) {
			infos = append(infos, NetworkInfo{
				ID:          n.ID(),
				Name:        n.Name(),
				Kind:        n.Kind().String(),
				InterServer: n.IsInterServer(),
				Portals:     n.Members(),
			})
		}
		return infos
	})
	if err != nil {
		h.rd.JSON(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, v.([]NetworkInfo))
}

func (h *statusHandler) Portals(w http.ResponseWriter, r *http.Request) {
	inter, err := interParam(r)
	if err != nil {
		h.rd.JSON(w, http.StatusBadRequest, err.Error())
		return
	}
	name := mux.Vars(r)["network"]
	v, err := h.svr.Snapshot(func(reg *registry.Registry) interface{} {
		n := reg.GetNetwork(name, inter)
		if n == nil {
			return nil
		}
		infos := []PortalInfo{}
		for _, p := range reg.Members(n) {
			infos = append(infos, PortalInfo{
				Name:        p.Name(),
				Destination: p.Destination(),
				Flags:       p.Flags().String(),
				Owner:       p.Owner().String(),
				Open:        p.IsOpen(),
				Virtual:     p.IsVirtual(),
				Server:      p.ServerName(),
			})
		}
		return infos
	})
	if err != nil {
		h.rd.JSON(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	infos, found := v.([]PortalInfo)
	if !found {
		h.rd.JSON(w, http.StatusNotFound, "network not found")
		return
	}
	h.rd.JSON(w, http.StatusOK, infos)
}

func (h *statusHandler) Servers(w http.ResponseWriter, r *http.Request) {
	if !h.svr.engine.InterServer() {
		h.rd.JSON(w, http.StatusOK, []storage.ServerInfo{})
		return
	}
	servers, err := h.svr.ListServers()
	if err != nil {
		h.rd.JSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, servers)
}

// ListServers reads the server table on the storage worker.
func (s *Server) ListServers() ([]storage.ServerInfo, error) {
	type reply struct {
		servers []storage.ServerInfo
		err     error
	}
	ch := make(chan reply, 1)
	if s.IsClosed() || !s.storeWorker.Schedule(func() {
		ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
		defer cancel()
		servers, err := s.engine.ListServers(ctx)
		ch <- reply{servers, err}
	}) {
		return nil, ErrServerClosed
	}
	select {
	case r := <-ch:
		return r.servers, r.err
	case <-time.After(storageTimeout):
		return nil, errors.New("timed out waiting for storage")
	}
}

func (s *Server) startStatusServer() error {
	if s.cfg.StatusAddr == "" {
		return nil
	}
	l, err := net.Listen("tcp", s.cfg.StatusAddr)
	if err != nil {
		return errors.WithStack(err)
	}
	n := negroni.New(negroni.NewRecovery())
	n.UseHandler(createRouter(s))
	s.statusListener = l
	s.statusServer = &http.Server{Handler: n}
	go func() {
		if err := s.statusServer.Serve(l); err != nil && err != http.ErrServerClosed {
			log.Error("status server stopped", zap.Error(err))
		}
	}()
	log.Info("status server listening", zap.String("addr", l.Addr().String()))
	return nil
}

func (s *Server) stopStatusServer() {
	if s.statusServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()
	if err := s.statusServer.Shutdown(ctx); err != nil {
		log.Warn("shutdown status server meet error", zap.Error(err))
	}
}

// StatusAddr returns the address the status server listens on, or "" when
// it is disabled.
func (s *Server) StatusAddr() string {
	if s.statusListener == nil {
		return ""
	}
	return s.statusListener.Addr().String()
}
