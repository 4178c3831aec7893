// Copyright 2025 vrflow authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package config defines the TOML configuration of the vrouter binary.
package config

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vrflow/vrflow/pkg/log"
	"github.com/vrflow/vrflow/pkg/private/serrors"
	"github.com/vrflow/vrflow/pkg/private/util"
	"github.com/vrflow/vrflow/private/config"
	"github.com/vrflow/vrflow/vrouter"
	"github.com/vrflow/vrflow/vrouter/classify"
	"github.com/vrflow/vrflow/vrouter/flow"
	"github.com/vrflow/vrflow/vrouter/fragment"
	"github.com/vrflow/vrflow/vrouter/fwd"
)

// Defaults.
const (
	DefaultFlowEntries         = 512 * 1024
	DefaultFlowOverflowEntries = 8 * 1024
	DefaultRouteCacheSize      = 4096
	DefaultReclaimInterval     = 100 * time.Millisecond
	DefaultDumpInterval        = 10 * time.Second
	DefaultScanInterval        = time.Second
	DefaultQueueSize           = 256

	metricsTimeout = 10 * time.Second
)

// Config is the configuration of the vrouter.
type Config struct {
	General    General     `toml:"general,omitempty"`
	Logging    log.Config  `toml:"log,omitempty"`
	Metrics    Metrics     `toml:"metrics,omitempty"`
	API        API         `toml:"api,omitempty"`
	Router     Router      `toml:"router,omitempty"`
	Flow       Flow        `toml:"flow,omitempty"`
	Fragment   Fragment    `toml:"fragment,omitempty"`
	Interfaces []Interface `toml:"interfaces,omitempty"`
	Routes     []Route     `toml:"routes,omitempty"`
	FatFlow    []FatFlow   `toml:"fat_flow,omitempty"`
}

func (cfg *Config) InitDefaults() {
	cfg.Logging.InitDefaults()
	config.InitAll(
		&cfg.General,
		&cfg.Metrics,
		&cfg.API,
		&cfg.Router,
		&cfg.Flow,
		&cfg.Fragment,
	)
}

func (cfg *Config) Validate() error {
	if err := config.ValidateAll(
		&cfg.General,
		&cfg.Metrics,
		&cfg.API,
		&cfg.Router,
		&cfg.Flow,
		&cfg.Fragment,
	); err != nil {
		return err
	}
	ids := make(map[uint16]bool, len(cfg.Interfaces))
	for i, intf := range cfg.Interfaces {
		if _, err := intf.Build(); err != nil {
			return serrors.Wrap("invalid interface", err, "index", i)
		}
		if ids[intf.ID] {
			return serrors.New("duplicate interface", "id", intf.ID)
		}
		ids[intf.ID] = true
	}
	for i, r := range cfg.Routes {
		if _, _, err := r.Build(); err != nil {
			return serrors.Wrap("invalid route", err, "index", i)
		}
	}
	for i, ff := range cfg.FatFlow {
		if !ids[ff.Interface] {
			return serrors.New("fat-flow rule for unknown interface", "index", i,
				"interface", ff.Interface)
		}
		if _, err := ff.Rule(); err != nil {
			return serrors.Wrap("invalid fat-flow rule", err, "index", i)
		}
	}
	return nil
}

func (cfg *Config) Sample(dst io.Writer, path config.Path, _ config.CtxMap) {
	config.WriteSample(dst, path, nil,
		&cfg.General,
		config.StringSampler{Text: logSample, Name: "log"},
		&cfg.Metrics,
		&cfg.API,
		&cfg.Router,
		&cfg.Flow,
		&cfg.Fragment,
		rawSample(tablesSample),
	)
}

// rawSample is written without a table header.
type rawSample string

func (s rawSample) Sample(dst io.Writer, _ config.Path, _ config.CtxMap) {
	config.WriteString(dst, string(s))
}

// General holds the settings shared by all services.
type General struct {
	config.NoValidator
	// ID is the element identifier of the router.
	ID string `toml:"id,omitempty"`
}

func (cfg *General) InitDefaults() {
	if cfg.ID == "" {
		cfg.ID = "vrouter"
	}
}

func (cfg *General) Sample(dst io.Writer, _ config.Path, _ config.CtxMap) {
	config.WriteString(dst, generalSample)
}

func (cfg *General) ConfigName() string { return "general" }

// Metrics configures the prometheus endpoint.
type Metrics struct {
	config.NoDefaulter
	config.NoValidator
	// Prometheus is the address the /metrics endpoint is served on. Empty
	// disables it.
	Prometheus string `toml:"prometheus,omitempty"`
}

func (cfg *Metrics) Sample(dst io.Writer, _ config.Path, _ config.CtxMap) {
	config.WriteString(dst, metricsSample)
}

func (cfg *Metrics) ConfigName() string { return "metrics" }

// ServePrometheus serves the metrics of the default registry and the pprof
// handlers of the default mux until ctx is done. It returns immediately if
// no address is configured.
func (cfg *Metrics) ServePrometheus(ctx context.Context) error {
	if cfg.Prometheus == "" {
		return nil
	}
	handler := promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer,
		promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{Timeout: metricsTimeout},
		),
	)
	http.Handle("/metrics", handler)
	log.Info("Exporting prometheus metrics", "addr", cfg.Prometheus)

	server := &http.Server{Addr: cfg.Prometheus}
	go func() {
		defer log.HandlePanic()
		<-ctx.Done()
		server.Close()
	}()
	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return serrors.Wrap("serving prometheus metrics", err)
	}
	return nil
}

// API configures the management API.
type API struct {
	config.NoDefaulter
	config.NoValidator
	// Addr is the address the management API is served on. Empty disables
	// it.
	Addr string `toml:"addr,omitempty"`
}

func (cfg *API) Sample(dst io.Writer, _ config.Path, _ config.CtxMap) {
	config.WriteString(dst, apiSample)
}

func (cfg *API) ConfigName() string { return "api" }

// Router configures the packet processors.
type Router struct {
	NumProcessors int `toml:"num_processors,omitempty"`
	QueueSize     int `toml:"queue_size,omitempty"`
	PoolSize      int `toml:"pool_size,omitempty"`
}

func (cfg *Router) InitDefaults() {
	if cfg.NumProcessors <= 0 {
		cfg.NumProcessors = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
}

func (cfg *Router) Validate() error {
	if cfg.PoolSize < 0 {
		return serrors.New("negative pool size", "pool_size", cfg.PoolSize)
	}
	return nil
}

func (cfg *Router) Sample(dst io.Writer, _ config.Path, _ config.CtxMap) {
	config.WriteString(dst, routerSample)
}

func (cfg *Router) ConfigName() string { return "router" }

// Flow configures the flow table.
type Flow struct {
	Entries         int          `toml:"entries,omitempty"`
	OverflowEntries int          `toml:"overflow_entries,omitempty"`
	HoldLimit       uint64       `toml:"hold_limit,omitempty"`
	BurstTokens     uint32       `toml:"burst_tokens,omitempty"`
	BurstInterval   util.DurWrap `toml:"burst_interval,omitempty"`
	BurstStep       uint32       `toml:"burst_step,omitempty"`
	ReclaimInterval util.DurWrap `toml:"reclaim_interval,omitempty"`
	RouteCacheSize  int          `toml:"route_cache_size,omitempty"`
	// DumpFile is the file the flow table is written to periodically for
	// offline inspection. Empty disables dumping.
	DumpFile     string       `toml:"dump_file,omitempty"`
	DumpInterval util.DurWrap `toml:"dump_interval,omitempty"`
}

func (cfg *Flow) InitDefaults() {
	if cfg.Entries == 0 {
		cfg.Entries = DefaultFlowEntries
	}
	if cfg.OverflowEntries == 0 {
		cfg.OverflowEntries = DefaultFlowOverflowEntries
	}
	if cfg.ReclaimInterval.Duration == 0 {
		cfg.ReclaimInterval.Duration = DefaultReclaimInterval
	}
	if cfg.RouteCacheSize == 0 {
		cfg.RouteCacheSize = DefaultRouteCacheSize
	}
	if cfg.DumpInterval.Duration == 0 {
		cfg.DumpInterval.Duration = DefaultDumpInterval
	}
}

func (cfg *Flow) Validate() error {
	if cfg.Entries <= 0 || cfg.Entries%flow.BucketSize != 0 {
		return serrors.New("flow entries must be a positive multiple of the bucket size",
			"entries", cfg.Entries, "bucket_size", flow.BucketSize)
	}
	if cfg.OverflowEntries < 0 {
		return serrors.New("negative overflow entries", "overflow_entries", cfg.OverflowEntries)
	}
	if cfg.BurstTokens > 0 && cfg.BurstInterval.Duration > 0 && cfg.BurstStep == 0 {
		return serrors.New("burst refill without step", "burst_interval", cfg.BurstInterval)
	}
	if cfg.RouteCacheSize <= 0 {
		return serrors.New("route cache size must be positive", "size", cfg.RouteCacheSize)
	}
	return nil
}

// Table returns the flow table configuration.
func (cfg *Flow) Table() flow.Config {
	return flow.Config{
		Entries:         cfg.Entries,
		OverflowEntries: cfg.OverflowEntries,
		HoldLimit:       cfg.HoldLimit,
		Burst: flow.BurstConfig{
			Tokens:   cfg.BurstTokens,
			Interval: cfg.BurstInterval.Duration,
			Step:     cfg.BurstStep,
		},
	}
}

func (cfg *Flow) Sample(dst io.Writer, _ config.Path, _ config.CtxMap) {
	config.WriteString(dst, flowSample)
}

func (cfg *Flow) ConfigName() string { return "flow" }

// Fragment configures the fragment assembler.
type Fragment struct {
	Buckets      int          `toml:"buckets,omitempty"`
	QueueLimit   int          `toml:"queue_limit,omitempty"`
	Timeout      util.DurWrap `toml:"timeout,omitempty"`
	ScanInterval util.DurWrap `toml:"scan_interval,omitempty"`
	ScanBudget   int          `toml:"scan_budget,omitempty"`
}

func (cfg *Fragment) InitDefaults() {
	if cfg.Buckets == 0 {
		cfg.Buckets = fragment.DefaultBuckets
	}
	if cfg.QueueLimit == 0 {
		cfg.QueueLimit = fragment.DefaultQueueLimit
	}
	if cfg.Timeout.Duration == 0 {
		cfg.Timeout.Duration = fragment.DefaultTimeout
	}
	if cfg.ScanInterval.Duration == 0 {
		cfg.ScanInterval.Duration = DefaultScanInterval
	}
	if cfg.ScanBudget == 0 {
		cfg.ScanBudget = fragment.DefaultScanBudget
	}
}

func (cfg *Fragment) Validate() error {
	if cfg.Buckets < 0 || cfg.QueueLimit < 0 || cfg.ScanBudget < 0 {
		return serrors.New("negative fragment setting", "buckets", cfg.Buckets,
			"queue_limit", cfg.QueueLimit, "scan_budget", cfg.ScanBudget)
	}
	if cfg.Timeout.Duration < 0 || cfg.ScanInterval.Duration < 0 {
		return serrors.New("negative fragment duration", "timeout", cfg.Timeout,
			"scan_interval", cfg.ScanInterval)
	}
	return nil
}

// Table returns the fragment table configuration.
func (cfg *Fragment) Table() fragment.Config {
	return fragment.Config{
		Buckets:    cfg.Buckets,
		QueueLimit: cfg.QueueLimit,
		Timeout:    cfg.Timeout.Duration,
	}
}

func (cfg *Fragment) Sample(dst io.Writer, _ config.Path, _ config.CtxMap) {
	config.WriteString(dst, fragmentSample)
}

func (cfg *Fragment) ConfigName() string { return "fragment" }

// RunConfig returns the processor configuration of the data plane.
func (cfg *Config) RunConfig() vrouter.RunConfig {
	return vrouter.RunConfig{
		NumProcessors:        cfg.Router.NumProcessors,
		QueueSize:            cfg.Router.QueueSize,
		PoolSize:             cfg.Router.PoolSize,
		FragmentScanInterval: cfg.Fragment.ScanInterval.Duration,
		FragmentScanBudget:   cfg.Fragment.ScanBudget,
		ReclaimInterval:      cfg.Flow.ReclaimInterval.Duration,
	}
}

// Interface is a statically configured router interface.
type Interface struct {
	ID   uint16 `toml:"id"`
	Type string `toml:"type,omitempty"`
	VRF  uint16 `toml:"vrf,omitempty"`
	MAC  string `toml:"mac,omitempty"`
	// Policy enables flow processing for packets received on the
	// interface.
	Policy   bool `toml:"policy,omitempty"`
	MacProxy bool `toml:"mac_proxy,omitempty"`
	XConnect bool `toml:"xconnect,omitempty"`
	// NeighborMode is the response to solicitations that are not proxied.
	NeighborMode string `toml:"neighbor_mode,omitempty"`
}

var interfaceTypes = map[string]fwd.InterfaceType{
	"":        fwd.InterfaceVirtual,
	"virtual": fwd.InterfaceVirtual,
	"fabric":  fwd.InterfaceFabric,
	"host":    fwd.InterfaceHost,
	"agent":   fwd.InterfaceAgent,
}

var neighborModes = map[string]fwd.MACResponse{
	"":              fwd.MRFlood,
	"flood":         fwd.MRFlood,
	"proxy":         fwd.MRProxy,
	"xconnect":      fwd.MRXConnect,
	"trap_xconnect": fwd.MRTrapXConnect,
	"mirror":        fwd.MRMirror,
	"drop":          fwd.MRDrop,
}

// Build returns the interface described by the configuration.
func (cfg Interface) Build() (*fwd.Interface, error) {
	typ, ok := interfaceTypes[cfg.Type]
	if !ok {
		return nil, serrors.New("unknown interface type", "type", cfg.Type)
	}
	mode, ok := neighborModes[cfg.NeighborMode]
	if !ok {
		return nil, serrors.New("unknown neighbor mode", "mode", cfg.NeighborMode)
	}
	intf := &fwd.Interface{
		ID:           cfg.ID,
		Type:         typ,
		VRF:          cfg.VRF,
		NeighborMode: mode,
	}
	if cfg.MAC != "" {
		mac, err := net.ParseMAC(cfg.MAC)
		if err != nil {
			return nil, serrors.Wrap("parsing mac", err, "mac", cfg.MAC)
		}
		intf.MAC = mac
	}
	if cfg.Policy {
		intf.Flags |= fwd.InterfacePolicyEnabled
	}
	if cfg.MacProxy {
		intf.Flags |= fwd.InterfaceMacProxy
	}
	if cfg.XConnect {
		intf.Flags |= fwd.InterfaceXConnect
	}
	return intf, nil
}

// Route is a static route.
type Route struct {
	VRF        uint16 `toml:"vrf,omitempty"`
	Prefix     string `toml:"prefix"`
	Nexthop    uint32 `toml:"nexthop,omitempty"`
	NexthopVRF uint16 `toml:"nexthop_vrf,omitempty"`
	// RouteLookup makes translated packets look up the destination again.
	RouteLookup bool   `toml:"route_lookup,omitempty"`
	MAC         string `toml:"mac,omitempty"`
	Label       uint32 `toml:"label,omitempty"`
	ARPProxy    bool   `toml:"arp_proxy,omitempty"`
	ARPFlood    bool   `toml:"arp_flood,omitempty"`
}

// Build returns the prefix and the route described by the configuration.
func (cfg Route) Build() (netip.Prefix, fwd.Route, error) {
	p, err := netip.ParsePrefix(cfg.Prefix)
	if err != nil {
		return netip.Prefix{}, fwd.Route{}, serrors.Wrap("parsing prefix", err,
			"prefix", cfg.Prefix)
	}
	r := fwd.Route{
		Nexthop: &fwd.Nexthop{ID: cfg.Nexthop, VRF: cfg.NexthopVRF},
		Label:   cfg.Label,
	}
	if cfg.RouteLookup {
		r.Nexthop.Flags |= fwd.NexthopRouteLookup
	}
	if cfg.MAC != "" {
		if r.MAC, err = net.ParseMAC(cfg.MAC); err != nil {
			return netip.Prefix{}, fwd.Route{}, serrors.Wrap("parsing mac", err, "mac", cfg.MAC)
		}
	}
	if cfg.Label != 0 {
		r.Flags |= fwd.RouteLabelValid
	}
	if cfg.ARPProxy {
		r.Flags |= fwd.RouteARPProxy
	}
	if cfg.ARPFlood {
		r.Flags |= fwd.RouteARPFlood
	}
	return p, r, nil
}

// FatFlow is a fat-flow rule of an interface.
type FatFlow struct {
	Interface uint16 `toml:"interface"`
	Proto     uint8  `toml:"proto"`
	Port      uint16 `toml:"port,omitempty"`
	// Ignore lists the key fields the rule removes: src_port, dst_port,
	// src_ip, dst_ip.
	Ignore          []string `toml:"ignore,omitempty"`
	SrcAggregate    string   `toml:"src_aggregate,omitempty"`
	SrcAggregateLen int      `toml:"src_aggregate_len,omitempty"`
	DstAggregate    string   `toml:"dst_aggregate,omitempty"`
	DstAggregateLen int      `toml:"dst_aggregate_len,omitempty"`
	Exclude         []string `toml:"exclude,omitempty"`
}

var fatFlowFields = map[string]fwd.FatFlowMask{
	"src_port": fwd.FatFlowSrcPort,
	"dst_port": fwd.FatFlowDstPort,
	"src_ip":   fwd.FatFlowSrcIP,
	"dst_ip":   fwd.FatFlowDstIP,
}

// Rule returns the fat-flow rule described by the configuration.
func (cfg FatFlow) Rule() (classify.FatFlowRule, error) {
	r := classify.FatFlowRule{
		Proto:           cfg.Proto,
		Port:            cfg.Port,
		SrcAggregateLen: cfg.SrcAggregateLen,
		DstAggregateLen: cfg.DstAggregateLen,
	}
	for _, f := range cfg.Ignore {
		m, ok := fatFlowFields[f]
		if !ok {
			return classify.FatFlowRule{}, serrors.New("unknown fat-flow field", "field", f)
		}
		r.Mask |= m
	}
	var err error
	if cfg.SrcAggregate != "" {
		if r.SrcAggregate, err = netip.ParsePrefix(cfg.SrcAggregate); err != nil {
			return classify.FatFlowRule{}, serrors.Wrap("parsing src_aggregate", err)
		}
	}
	if cfg.DstAggregate != "" {
		if r.DstAggregate, err = netip.ParsePrefix(cfg.DstAggregate); err != nil {
			return classify.FatFlowRule{}, serrors.Wrap("parsing dst_aggregate", err)
		}
	}
	for _, s := range cfg.Exclude {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return classify.FatFlowRule{}, serrors.Wrap("parsing exclude", err)
		}
		r.Exclude = append(r.Exclude, p)
	}
	return r, nil
}

// FatFlowRules groups the fat-flow rules by interface, in configuration
// order.
func (cfg *Config) FatFlowRules() (map[uint16][]classify.FatFlowRule, error) {
	rules := make(map[uint16][]classify.FatFlowRule)
	for i, ff := range cfg.FatFlow {
		r, err := ff.Rule()
		if err != nil {
			return nil, serrors.Wrap("invalid fat-flow rule", err, "index", i)
		}
		rules[ff.Interface] = append(rules[ff.Interface], r)
	}
	return rules, nil
}
