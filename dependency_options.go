package queue

import (
	"github.com/DoNewsCode/core/contract"
	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
)

type providersOption struct {
	drivers           map[string]Driver
	driverConstructor func(args DriverConstructorArgs) (Driver, error)
	registry          *Registry
}

// ProvidersOptionFunc is the type of functional providersOption for Providers. Use this type to change how Providers work.
type ProvidersOptionFunc func(options *providersOption)

// WithDriver instructs the Providers to use the given driver for the named
// connection, whether it is configured or not. This option supersedes the
// WithDriverConstructor option for that connection.
func WithDriver(name string, driver Driver) ProvidersOptionFunc {
	return func(options *providersOption) {
		options.drivers[name] = driver
	}
}

// WithDriverConstructor instructs the Providers to accept an alternative constructor for queue driver.
// Connections set by WithDriver don't go through it.
func WithDriverConstructor(f func(args DriverConstructorArgs) (Driver, error)) ProvidersOptionFunc {
	return func(options *providersOption) {
		options.driverConstructor = f
	}
}

// WithRegistry instructs the Providers to use the registry as the manager's
// codec, and for connections configured with codec "registry".
func WithRegistry(registry *Registry) ProvidersOptionFunc {
	return func(options *providersOption) {
		options.registry = registry
	}
}

func (o *providersOption) codec(name string) (Codec, error) {
	switch name {
	case "", "gob":
		return GobCodec{}, nil
	case "registry":
		if o.registry == nil {
			return nil, errors.New("codec registry requires the WithRegistry option")
		}
		return o.registry, nil
	default:
		return nil, errors.Errorf("unknown codec %q", name)
	}
}

// DriverConstructorArgs are arguments to construct the driver. See WithDriverConstructor.
type DriverConstructorArgs struct {
	Name      string
	Conf      ConnectionConfiguration
	Codec     Codec
	Logger    log.Logger
	AppName   contract.AppName
	Env       contract.Env
	Populator contract.DIPopulator
}
