// Package instance abstracts the cloud compute backing an on-demand slave: start, stop,
// is-running and address discovery, with one concrete implementation (ec2).
package instance

import (
	"context"

	"github.com/toxicbuild/master/common/models"
)

// Provider starts, stops, and inspects one cloud compute instance. models.Slave.InstanceConfs
// carries whatever provider-specific keys an implementation needs (e.g. "instance_id", "region").
type Provider interface {
	IsRunning(ctx context.Context, confs models.InstanceConfs) (bool, error)
	GetIP(ctx context.Context, confs models.InstanceConfs) (string, error)
	Start(ctx context.Context, confs models.InstanceConfs) error
	Stop(ctx context.Context, confs models.InstanceConfs) error
}

// Registry resolves a models.InstanceType to its Provider, so master/services/slave can support
// more than one provider without a type switch at every call site.
type Registry map[models.InstanceType]Provider

func (r Registry) Get(t models.InstanceType) (Provider, bool) {
	p, ok := r[t]
	return p, ok
}
