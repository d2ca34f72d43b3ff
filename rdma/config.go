package rdma

import (
	"fmt"
	"strconv"
)

// Protocol selects the transport backing a device; only RDMA is implemented
// by this module. ConfigFromEnviron accepts SENDRECV as a valid value and
// records it in Config, but NewDevice does not consult Protocol, so a device
// always runs the RDMA protocol.
type Protocol uint8

const (
	ProtocolRDMA Protocol = iota
	ProtocolSendRecv
)

func (p Protocol) String() string {
	if p == ProtocolSendRecv {
		return "SENDRECV"
	}
	return "RDMA"
}

// Config bundles every tunable the component design and external-interfaces
// section name. Zero value is invalid; construct via [DefaultConfig] plus
// functional options, or [ConfigFromEnviron].
type Config struct {
	Protocol Protocol

	EagerMaxSize         uint64
	RoundRobinThreshold  uint64
	MinPostedBounce      int
	MaxPostedBounce      int
	CQReadCount          int
	MRKeySize            int
	NICDupConns          int
	NetLatencyMicros     int
	GDRFlushDisable      bool
	CUDAFlushEnable      bool
	TopoFileWriteEnable  bool
	TopoFileTemplate     string
}

// DefaultConfig returns the baseline configuration used when no option or
// environment override applies.
func DefaultConfig() Config {
	return Config{
		Protocol:            ProtocolRDMA,
		EagerMaxSize:         8192,
		RoundRobinThreshold:  8192,
		MinPostedBounce:      16,
		MaxPostedBounce:      64,
		CQReadCount:          16,
		MRKeySize:            4,
		NICDupConns:          0,
		NetLatencyMicros:     0,
		GDRFlushDisable:      false,
		CUDAFlushEnable:      false,
		TopoFileWriteEnable:  false,
	}
}

// Option mutates a Config under construction.
type Option func(*Config)

func WithProtocol(p Protocol) Option { return func(c *Config) { c.Protocol = p } }

func WithEagerMaxSize(n uint64) Option { return func(c *Config) { c.EagerMaxSize = n } }

func WithRoundRobinThreshold(n uint64) Option {
	return func(c *Config) { c.RoundRobinThreshold = n }
}

func WithBouncePostedRange(min, max int) Option {
	return func(c *Config) { c.MinPostedBounce, c.MaxPostedBounce = min, max }
}

func WithCQReadCount(n int) Option { return func(c *Config) { c.CQReadCount = n } }

func WithMRKeySize(n int) Option { return func(c *Config) { c.MRKeySize = n } }

func WithNICDupConns(n int) Option { return func(c *Config) { c.NICDupConns = n } }

func WithNetLatency(microseconds int) Option {
	return func(c *Config) { c.NetLatencyMicros = microseconds }
}

func WithGDRFlushDisable(v bool) Option { return func(c *Config) { c.GDRFlushDisable = v } }

func WithCUDAFlushEnable(v bool) Option { return func(c *Config) { c.CUDAFlushEnable = v } }

func WithTopoFileWrite(enable bool, template string) Option {
	return func(c *Config) { c.TopoFileWriteEnable = enable; c.TopoFileTemplate = template }
}

// New builds a Config from the defaults plus opts, then validates it.
func New(opts ...Option) (Config, error) {
	c := DefaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	if c.EagerMaxSize > c.RoundRobinThreshold {
		return newErr("config", KindInvalidArgument, fmt.Errorf("EAGER_MAX_SIZE (%d) must be <= ROUND_ROBIN_THRESHOLD (%d)", c.EagerMaxSize, c.RoundRobinThreshold))
	}
	if c.MinPostedBounce < 0 || c.MaxPostedBounce < c.MinPostedBounce {
		return newErr("config", KindInvalidArgument, fmt.Errorf("invalid bounce-buffer range [%d, %d]", c.MinPostedBounce, c.MaxPostedBounce))
	}
	if c.CQReadCount <= 0 {
		return newErr("config", KindInvalidArgument, fmt.Errorf("CQ_READ_COUNT must be positive, got %d", c.CQReadCount))
	}
	if c.MRKeySize <= 0 {
		return newErr("config", KindInvalidArgument, fmt.Errorf("MR_KEY_SIZE must be positive, got %d", c.MRKeySize))
	}
	return nil
}

// ConfigFromEnviron builds a Config from the defaults, overridden by
// whichever of the recognized variables getenv reports present (a
// present-but-empty value is treated as unset). A malformed or
// constraint-violating value returns a KindInvalidArgument error.
func ConfigFromEnviron(getenv func(string) string) (Config, error) {
	c := DefaultConfig()

	if v := getenv("PROTOCOL"); v != "" {
		switch v {
		case "RDMA":
			c.Protocol = ProtocolRDMA
		case "SENDRECV":
			c.Protocol = ProtocolSendRecv
		default:
			return Config{}, newErr("ConfigFromEnviron", KindInvalidArgument, fmt.Errorf("unrecognized PROTOCOL %q", v))
		}
	}
	if err := parseUint(getenv, "EAGER_MAX_SIZE", &c.EagerMaxSize); err != nil {
		return Config{}, err
	}
	if err := parseUint(getenv, "ROUND_ROBIN_THRESHOLD", &c.RoundRobinThreshold); err != nil {
		return Config{}, err
	}
	if err := parseInt(getenv, "MIN_POSTED_BOUNCE_BUFFERS", &c.MinPostedBounce); err != nil {
		return Config{}, err
	}
	if err := parseInt(getenv, "MAX_POSTED_BOUNCE_BUFFERS", &c.MaxPostedBounce); err != nil {
		return Config{}, err
	}
	if err := parseInt(getenv, "CQ_READ_COUNT", &c.CQReadCount); err != nil {
		return Config{}, err
	}
	if err := parseInt(getenv, "MR_KEY_SIZE", &c.MRKeySize); err != nil {
		return Config{}, err
	}
	if err := parseInt(getenv, "NIC_DUP_CONNS", &c.NICDupConns); err != nil {
		return Config{}, err
	}
	if err := parseInt(getenv, "NET_LATENCY", &c.NetLatencyMicros); err != nil {
		return Config{}, err
	}
	if err := parseBool(getenv, "GDR_FLUSH_DISABLE", &c.GDRFlushDisable); err != nil {
		return Config{}, err
	}
	if err := parseBool(getenv, "CUDA_FLUSH_ENABLE", &c.CUDAFlushEnable); err != nil {
		return Config{}, err
	}
	if err := parseBool(getenv, "TOPO_FILE_WRITE_ENABLE", &c.TopoFileWriteEnable); err != nil {
		return Config{}, err
	}
	c.TopoFileTemplate = getenv("TOPO_FILE_TEMPLATE")

	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func parseUint(getenv func(string) string, name string, out *uint64) error {
	v := getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return newErr("ConfigFromEnviron", KindInvalidArgument, fmt.Errorf("%s=%q: %w", name, v, err))
	}
	*out = n
	return nil
}

func parseInt(getenv func(string) string, name string, out *int) error {
	v := getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return newErr("ConfigFromEnviron", KindInvalidArgument, fmt.Errorf("%s=%q: %w", name, v, err))
	}
	*out = n
	return nil
}

func parseBool(getenv func(string) string, name string, out *bool) error {
	v := getenv(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return newErr("ConfigFromEnviron", KindInvalidArgument, fmt.Errorf("%s=%q: %w", name, v, err))
	}
	*out = b
	return nil
}
