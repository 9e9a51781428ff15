package geminicli

import (
	"context"
	"strings"
	"sync"

	"github.com/router-for-me/gemini-oauth-proxy/internal/interfaces"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const provisionKey = "provision"

// Resolver owns the process-wide project binding. A configured override binds
// immediately; otherwise the first request provisions and every later request
// reuses the cached result. Failed attempts are not cached.
type Resolver struct {
	override    string
	provisioner Provisioner

	mu      sync.RWMutex
	binding ProjectBinding

	group singleflight.Group
}

// NewResolver returns a resolver. A non-empty override disables provisioning.
func NewResolver(override string, provisioner Provisioner) *Resolver {
	r := &Resolver{
		override:    strings.TrimSpace(override),
		provisioner: provisioner,
	}
	if r.override != "" {
		r.binding = ProjectBinding{ProjectID: r.override, State: StateBound, Override: true}
	}
	return r
}

// Snapshot returns the current binding without side effects.
func (r *Resolver) Snapshot() ProjectBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.binding
}

// Resolve returns the bound project id, provisioning it with accessToken when needed.
// Concurrent callers share one provisioning attempt. Cancelling ctx abandons the
// wait but lets the attempt finish for the others.
func (r *Resolver) Resolve(ctx context.Context, accessToken string) (string, error) {
	if r.override != "" {
		return r.override, nil
	}
	if binding := r.Snapshot(); binding.State == StateBound {
		return binding.ProjectID, nil
	}

	ch := r.group.DoChan(provisionKey, func() (any, error) {
		return r.provision(context.WithoutCancel(ctx), accessToken)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (r *Resolver) provision(ctx context.Context, accessToken string) (string, error) {
	r.mu.Lock()
	if r.binding.State == StateBound {
		projectID := r.binding.ProjectID
		r.mu.Unlock()
		return projectID, nil
	}
	r.binding.State = StateProvisioning
	r.mu.Unlock()

	if r.provisioner == nil {
		return "", r.fail(interfaces.NewError(interfaces.KindProvisioningFailed,
			"no project configured and provisioning is disabled; set GOOGLE_CLOUD_PROJECT", nil))
	}

	projectID, err := r.provisioner.Provision(ctx, accessToken)
	if err == nil && strings.TrimSpace(projectID) == "" {
		err = interfaces.NewError(interfaces.KindProvisioningFailed, "provisioning returned an empty project id", nil)
	}
	if err != nil {
		if interfaces.KindOf(err) == "" {
			err = interfaces.NewError(interfaces.KindProvisioningFailed, "could not resolve a Code Assist project", err)
		}
		return "", r.fail(err)
	}

	projectID = strings.TrimSpace(projectID)
	r.mu.Lock()
	r.binding = ProjectBinding{ProjectID: projectID, State: StateBound}
	r.mu.Unlock()
	log.WithField("project", projectID).Info("project bound")
	return projectID, nil
}

func (r *Resolver) fail(err error) error {
	r.mu.Lock()
	r.binding = ProjectBinding{State: StateFailed, LastError: err.Error()}
	r.mu.Unlock()
	log.WithField("state", StateFailed.String()).Warnf("project provisioning failed: %v", err)
	return err
}
