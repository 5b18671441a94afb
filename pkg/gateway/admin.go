package gateway

import (
	"net/http"
	"strings"

	"github.com/cuemby/gantry/pkg/errdefs"
	"github.com/cuemby/gantry/pkg/log"
	"github.com/cuemby/gantry/pkg/types"
)

// registerRequest is the POST /admin/services payload: the descriptor plus
// its initial instances.
type registerRequest struct {
	types.ServiceDescriptor
	Instances []*types.ServiceInstance `json:"instances"`
}

// adminServicesHandler serves POST /admin/services
func (s *Server) adminServicesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req registerRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.writeAdminError(w, errdefs.Wrap(errdefs.KindInvalidRequest, err, "invalid payload"))
		return
	}
	replace := r.URL.Query().Get("replace") == "true"
	if err := s.registry.Register(&req.ServiceDescriptor, req.Instances, replace); err != nil {
		s.writeAdminError(w, err)
		return
	}
	log.WithComponent("gateway").Info().
		Str("service", req.Name).
		Int("instances", len(req.Instances)).
		Bool("replace", replace).
		Msg("service registered")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "data": map[string]string{"name": req.Name}})
}

// adminServiceHandler serves the /admin/services/{name}... subtree:
// DELETE /admin/services/{name}, POST /admin/services/{name}/instances,
// DELETE /admin/services/{name}/instances/{instance_id}
func (s *Server) adminServiceHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/admin/services/"), "/")
	segs := strings.Split(rest, "/")

	switch {
	case len(segs) == 1 && r.Method == http.MethodDelete:
		s.deregisterService(w, segs[0])
	case len(segs) == 2 && segs[1] == "instances" && r.Method == http.MethodPost:
		s.addInstance(w, r, segs[0])
	case len(segs) == 3 && segs[1] == "instances" && r.Method == http.MethodDelete:
		s.removeInstance(w, segs[0], segs[2])
	default:
		s.writeAdminError(w, errdefs.New(errdefs.KindNotFound, "no such admin route"))
	}
}

func (s *Server) deregisterService(w http.ResponseWriter, name string) {
	if err := s.orc.Deregister(name); err != nil {
		s.writeAdminError(w, err)
		return
	}
	log.WithComponent("gateway").Info().Str("service", name).Msg("service deregistered")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
}

func (s *Server) addInstance(w http.ResponseWriter, r *http.Request, name string) {
	var inst types.ServiceInstance
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&inst); err != nil {
		s.writeAdminError(w, errdefs.Wrap(errdefs.KindInvalidRequest, err, "invalid instance payload"))
		return
	}
	if inst.InstanceID == "" || inst.Endpoint == "" {
		s.writeAdminError(w, errdefs.New(errdefs.KindInvalidRequest, "instance_id and endpoint are required"))
		return
	}
	if err := s.registry.AddInstance(name, &inst); err != nil {
		s.writeAdminError(w, err)
		return
	}
	log.WithComponent("gateway").Info().
		Str("service", name).
		Str("instance", inst.InstanceID).
		Str("endpoint", inst.Endpoint).
		Msg("instance added")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
}

func (s *Server) removeInstance(w http.ResponseWriter, name, instanceID string) {
	if err := s.registry.RemoveInstance(name, instanceID); err != nil {
		s.writeAdminError(w, err)
		return
	}
	log.WithComponent("gateway").Info().
		Str("service", name).
		Str("instance", instanceID).
		Msg("instance removed")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
}

func (s *Server) writeAdminError(w http.ResponseWriter, err error) {
	kind := errdefs.KindOf(err)
	writeRawError(w, kind.HTTPStatus(), string(kind), errMessage(err))
}
