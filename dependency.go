package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/DoNewsCode/core/config"
	"github.com/DoNewsCode/core/contract"
	"github.com/DoNewsCode/core/di"
	"github.com/DoNewsCode/core/otredis"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/oklog/run"
	"github.com/pkg/errors"
)

/*
Providers returns a set of dependencies related to queue. It includes the
*Manager, the configured workers and the exported configs.
	Depends On:
		contract.ConfigAccessor
		log.Logger
		contract.AppName
		contract.Env
		contract.DIPopulator `optional:"true"`
		Gauge                `optional:"true"`
		Counter              `optional:"true"`
	Provides:
		*Manager
		Workers
*/
func Providers(optionFunc ...ProvidersOptionFunc) di.Deps {
	option := &providersOption{drivers: make(map[string]Driver)}
	for _, f := range optionFunc {
		f(option)
	}
	return []interface{}{
		provideManager(option),
		provideConfig,
	}
}

// Gauge is an alias used for dependency injection
type Gauge metrics.Gauge

// Counter is an alias used for dependency injection
type Counter metrics.Counter

// Configuration is the struct for queue configs.
type Configuration struct {
	// Default is the default connection name.
	Default                        string                             `yaml:"default" json:"default"`
	CheckQueueLengthIntervalSecond int                                `yaml:"checkQueueLengthIntervalSecond" json:"checkQueueLengthIntervalSecond"`
	Connections                    map[string]ConnectionConfiguration `yaml:"connections" json:"connections"`
	Workers                        []WorkerConfiguration              `yaml:"workers" json:"workers"`
}

// ConnectionConfiguration configures one named connection.
type ConnectionConfiguration struct {
	// Driver is one of "sync", "memory", "redis", "database" or "fake".
	Driver string `yaml:"driver" json:"driver"`
	// Codec is "gob" (the default) or "registry". The latter requires the
	// WithRegistry option.
	Codec string `yaml:"codec" json:"codec"`
	// RedisName is the otredis connection used by the redis driver.
	RedisName string `yaml:"redisName" json:"redisName"`
	// Prefix is the key prefix used by the redis driver.
	Prefix string `yaml:"prefix" json:"prefix"`
	// DSN is the database used by the database driver, see OpenDatabase.
	DSN string `yaml:"dsn" json:"dsn"`
}

// WorkerConfiguration configures a worker loop started with the application.
type WorkerConfiguration struct {
	Connection    string `yaml:"connection" json:"connection"`
	Queue         string `yaml:"queue" json:"queue"`
	SleepSecond   int    `yaml:"sleepSecond" json:"sleepSecond"`
	TimeoutSecond int    `yaml:"timeoutSecond" json:"timeoutSecond"`
	MaxJobs       int    `yaml:"maxJobs" json:"maxJobs"`
}

func (w WorkerConfiguration) options() WorkOptions {
	return WorkOptions{
		Connection: w.Connection,
		Queue:      w.Queue,
		Sleep:      time.Duration(w.SleepSecond) * time.Second,
		Timeout:    time.Duration(w.TimeoutSecond) * time.Second,
		MaxJobs:    w.MaxJobs,
	}
}

// Workers are the worker loops started by the run group.
type Workers []WorkOptions

// managerIn is the injection parameters for provideManager
type managerIn struct {
	di.In

	Conf      contract.ConfigAccessor
	Logger    log.Logger
	AppName   contract.AppName
	Env       contract.Env
	Gauge     Gauge                `optional:"true"`
	Counter   Counter              `optional:"true"`
	Populator contract.DIPopulator `optional:"true"`
}

// managerOut is the di output of provideManager
type managerOut struct {
	di.Out

	Manager *Manager
	Workers Workers
}

func (m managerOut) ModuleSentinel() {}

func (m managerOut) Module() interface{} { return m }

// provideManager is a provider for *Manager. Every configured connection is
// built eagerly, so that misconfiguration surfaces on boot up.
func provideManager(option *providersOption) func(p managerIn) (managerOut, error) {
	if option.driverConstructor == nil {
		option.driverConstructor = newDefaultDriver
	}
	return func(p managerIn) (managerOut, error) {
		var conf Configuration
		if err := p.Conf.Unmarshal("queue", &conf); err != nil {
			_ = level.Warn(p.Logger).Log("err", err)
		}

		opts := []func(*Manager){UseLogger(p.Logger)}
		if option.registry != nil {
			opts = append(opts, UseCodec(option.registry))
		}
		if p.Gauge != nil {
			opts = append(opts, UseGauge(p.Gauge, time.Duration(conf.CheckQueueLengthIntervalSecond)*time.Second))
		}
		if p.Counter != nil {
			opts = append(opts, UseCounter(p.Counter))
		}

		for name, connConf := range conf.Connections {
			driver, ok := option.drivers[name]
			if !ok {
				codec, err := option.codec(connConf.Codec)
				if err != nil {
					return managerOut{}, errors.Wrapf(err, "queue connection %s", name)
				}
				driver, err = option.driverConstructor(DriverConstructorArgs{
					Name:      name,
					Conf:      connConf,
					Codec:     codec,
					Logger:    p.Logger,
					AppName:   p.AppName,
					Env:       p.Env,
					Populator: p.Populator,
				})
				if err != nil {
					return managerOut{}, err
				}
			}
			opts = append(opts, UseConnection(name, driver))
		}
		for name, driver := range option.drivers {
			if _, ok := conf.Connections[name]; !ok {
				opts = append(opts, UseConnection(name, driver))
			}
		}
		if conf.Default != "" {
			opts = append(opts, UseDefaultConnection(conf.Default))
		}

		manager := NewManager(opts...)
		workers := make(Workers, 0, len(conf.Workers))
		for i, w := range conf.Workers {
			driver, err := manager.Connection(w.Connection)
			if err != nil {
				return managerOut{}, errors.Wrapf(err, "queue worker %d", i)
			}
			if _, ok := driver.(*SyncDriver); ok {
				return managerOut{}, errors.Wrapf(ErrSyncWorker, "queue worker %d", i)
			}
			workers = append(workers, w.options())
		}
		return managerOut{
			Manager: manager,
			Workers: workers,
		}, nil
	}
}

// ProvideRunGroup implements container.RunProvider. A worker that reached its
// maxJobs idles until the group stops, so that it does not end the application.
func (m managerOut) ProvideRunGroup(group *run.Group) {
	for _, w := range m.Workers {
		opts := w
		ctx, cancel := context.WithCancel(context.Background())
		group.Add(func() error {
			if err := m.Manager.Work(ctx, opts); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		}, func(err error) {
			cancel()
		})
	}
}

func newDefaultDriver(args DriverConstructorArgs) (Driver, error) {
	switch args.Conf.Driver {
	case "sync":
		return &SyncDriver{Logger: args.Logger}, nil
	case "", "memory":
		return &MemoryDriver{Codec: args.Codec, Logger: args.Logger}, nil
	case "fake":
		return &FakeDriver{}, nil
	case "redis":
		return newRedisDriver(args)
	case "database":
		db, err := OpenDatabase(args.Conf.DSN)
		if err != nil {
			return nil, errors.Wrapf(err, "queue connection %s", args.Name)
		}
		driver, err := NewDatabaseDriver(context.Background(), db, args.Codec)
		if err != nil {
			return nil, errors.Wrapf(err, "queue connection %s", args.Name)
		}
		driver.Logger = args.Logger
		return driver, nil
	default:
		return nil, fmt.Errorf("queue connection %s: unknown driver %q", args.Name, args.Conf.Driver)
	}
}

func newRedisDriver(args DriverConstructorArgs) (Driver, error) {
	var maker otredis.Maker
	if args.Populator == nil {
		return nil, errors.New("the redis driver requires setting the populator in DI container")
	}
	if err := args.Populator.Populate(&maker); err != nil {
		return nil, fmt.Errorf("the redis driver requires an otredis.Maker in DI container: %w", err)
	}
	redisName := args.Conf.RedisName
	if redisName == "" {
		redisName = "default"
	}
	client, err := maker.Make(redisName)
	if err != nil {
		return nil, fmt.Errorf("the redis driver requires the redis client called %s: %w", redisName, err)
	}
	prefix := args.Conf.Prefix
	if prefix == "" {
		prefix = fmt.Sprintf("{%s:%s}:queue:", args.AppName.String(), args.Env.String())
	}
	return &RedisDriver{
		Logger:        args.Logger,
		RedisClient:   client,
		ChannelConfig: ChannelConfig{Prefix: prefix},
		Codec:         args.Codec,
	}, nil
}

type configOut struct {
	di.Out

	Config []config.ExportedConfig `group:"config,flatten"`
}

func provideConfig() configOut {
	configs := []config.ExportedConfig{{
		Owner: "queue",
		Data: map[string]interface{}{
			"queue": Configuration{
				Default:                        "memory",
				CheckQueueLengthIntervalSecond: 15,
				Connections: map[string]ConnectionConfiguration{
					"memory": {Driver: "memory"},
					"redis":  {Driver: "redis", RedisName: "default", Prefix: defaultRedisPrefix},
				},
				Workers: []WorkerConfiguration{
					{Connection: "memory", Queue: defaultQueue, SleepSecond: 3, TimeoutSecond: 60},
				},
			},
		},
		Comment: "The queue connections and the workers started with the application",
	}}
	return configOut{Config: configs}
}
