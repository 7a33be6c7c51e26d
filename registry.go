package porta

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/porta/pkg/bottle"
	"github.com/raskyld/porta/pkg/carrier"
)

// NameService maps port names to contacts.
type NameService interface {
	QueryName(ctx context.Context, name string) (carrier.Contact, error)

	// RegisterName records that name lives at contact and returns the
	// contact as registered.
	RegisterName(ctx context.Context, name string, contact carrier.Contact) (carrier.Contact, error)

	UnregisterName(ctx context.Context, name string) error

	// WriteToNameServer runs a textual name server command, see
	// `LocalRegistry.WriteToNameServer`.
	WriteToNameServer(ctx context.Context, cmd bottle.Bottle) (bottle.Bottle, error)
}

// defaultRegistry is shared by the ports of a process which were not
// given a name service.
var defaultRegistry = NewLocalRegistry(nil)

// LocalRegistry is an in-process NameService.
type LocalRegistry struct {
	dir    *nameDirectory
	logger *slog.Logger
	sink   metrics.MetricSink
	labels []metrics.Label

	// onChange is called with every record changed locally.
	onChange func(rec nameRecord)
}

var _ NameService = (*LocalRegistry)(nil)

// NewLocalRegistry creates an empty registry logging to handler, or to
// the default logger when handler is nil.
func NewLocalRegistry(handler slog.Handler) *LocalRegistry {
	logger := slog.Default()
	if handler != nil {
		logger = slog.New(handler)
	}
	return newLocalRegistry(logger, "local", metrics.Default(), nil)
}

func newLocalRegistry(logger *slog.Logger, node string, sink metrics.MetricSink, labels []metrics.Label) *LocalRegistry {
	return &LocalRegistry{
		dir:    newNameDir(logger, node),
		logger: logger,
		sink:   sink,
		labels: labels,
	}
}

func (r *LocalRegistry) changed(rec nameRecord) {
	r.sink.SetGaugeWithLabels(MetricRegistryRecords, float32(r.dir.live()), r.labels)
	if r.onChange != nil {
		r.onChange(rec)
	}
}

func (r *LocalRegistry) QueryName(_ context.Context, name string) (carrier.Contact, error) {
	rec, err := r.dir.resolve(name)
	if err != nil {
		return carrier.Contact{}, fmt.Errorf("%w: %s", err, name)
	}
	return rec.contact, nil
}

func (r *LocalRegistry) RegisterName(_ context.Context, name string, contact carrier.Contact) (carrier.Contact, error) {
	if name == "" {
		name = contact.Name
	}
	if !ValidateName(name) {
		return carrier.Contact{}, ErrNameInvalid
	}
	if !contact.IsValid() {
		return carrier.Contact{}, fmt.Errorf("%w: %s has no address", ErrInvalidRecord, name)
	}
	contact.Name = name

	rec, err := r.dir.claim(name, contact)
	if err != nil {
		return carrier.Contact{}, fmt.Errorf("%w: %s", err, name)
	}
	r.logger.Debug("name registered", "name", name, "contact", contact.String())
	r.changed(rec)
	return rec.contact, nil
}

func (r *LocalRegistry) UnregisterName(_ context.Context, name string) error {
	rec, err := r.dir.release(name)
	if err != nil {
		return fmt.Errorf("%w: %s", err, name)
	}
	r.logger.Debug("name unregistered", "name", name)
	r.changed(rec)
	return nil
}

// WriteToNameServer understands `query $name`, `register $name [$carrier
// $host $port]`, `unregister $name`, `list [$prefix]` and `announce $name
// $flag`. Registrations are answered as `registration name $name ip $host
// port $port type $carrier`.
func (r *LocalRegistry) WriteToNameServer(ctx context.Context, cmd bottle.Bottle) (bottle.Bottle, error) {
	name := cmd.Get(1).AsString()
	switch cmd.Get(0).Tag() {
	case "query":
		contact, err := r.QueryName(ctx, name)
		if err != nil {
			return nil, err
		}
		return registration(contact), nil
	case "register":
		contact := carrier.Contact{
			Name:    name,
			Carrier: cmd.Get(2).AsString(),
			Host:    cmd.Get(3).AsString(),
			Port:    int(cmd.Get(4).AsInt()),
		}
		registered, err := r.RegisterName(ctx, name, contact)
		if err != nil {
			return nil, err
		}
		return registration(registered), nil
	case "unregister":
		if err := r.UnregisterName(ctx, name); err != nil {
			return nil, err
		}
		return replyOK(), nil
	case "list":
		var reply bottle.Bottle
		for _, rec := range r.dir.scan(name) {
			reply = append(reply, bottle.List(registration(rec.contact)...))
		}
		return reply, nil
	case "announce":
		rec, err := r.dir.announce(name, cmd.Get(2).AsInt() != 0)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", err, name)
		}
		r.changed(rec)
		return replyOK(), nil
	}
	return replyFail("unknown name server command %q", cmd.Get(0).Tag()), nil
}

func registration(c carrier.Contact) bottle.Bottle {
	return bottle.Bottle{
		bottle.String("registration"),
		bottle.String("name"), bottle.String(c.Name),
		bottle.String("ip"), bottle.String(c.Host),
		bottle.String("port"), bottle.Int(int64(c.Port)),
		bottle.String("type"), bottle.String(c.Carrier),
	}
}

// ParseRegistration decodes a registration reply of the name server.
func ParseRegistration(b bottle.Bottle) (carrier.Contact, error) {
	if b.Get(0).Tag() != "registration" {
		return carrier.Contact{}, ErrInvalidRecord
	}
	contact := carrier.Contact{
		Name:    b.Find("name").AsString(),
		Host:    b.Find("ip").AsString(),
		Port:    int(b.Find("port").AsInt()),
		Carrier: b.Find("type").AsString(),
	}
	if !contact.IsValid() {
		return contact, ErrInvalidRecord
	}
	return contact, nil
}
