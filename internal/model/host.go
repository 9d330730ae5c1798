package model

import (
	"fmt"
	"maps"
	"net/netip"
	"strconv"
)

// OperatingSystem is a guess of the operating system of a target
type OperatingSystem int

const (
	OSUnknown OperatingSystem = iota
	OSLinux
	OSWindows
)

func (o OperatingSystem) String() string {
	switch o {
	case OSLinux:
		return "linux"
	case OSWindows:
		return "windows"
	default:
		return "unknown"
	}
}

func (o OperatingSystem) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *OperatingSystem) UnmarshalText(text []byte) error {
	os, err := ParseOperatingSystem(string(text))
	if err != nil {
		return err
	}
	*o = os
	return nil
}

func ParseOperatingSystem(s string) (OperatingSystem, error) {
	switch s {
	case "linux":
		return OSLinux, nil
	case "windows":
		return OSWindows, nil
	case "", "unknown":
		return OSUnknown, nil
	default:
		return OSUnknown, fmt.Errorf("unsupported operating system %q", s)
	}
}

// PortStatus is a result of a TCP probe
type PortStatus int

const (
	PortClosed PortStatus = iota
	PortOpen
	PortFiltered
)

func (s PortStatus) String() string {
	switch s {
	case PortOpen:
		return "open"
	case PortFiltered:
		return "filtered"
	default:
		return "closed"
	}
}

func (s PortStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// NetworkAddress identifies a scan target. Domain is set when the address
// was resolved from a host name.
type NetworkAddress struct {
	IP     netip.Addr `json:"ip"`
	Domain string     `json:"domain,omitempty"`
}

func (a NetworkAddress) String() string {
	if a.Domain == "" {
		return a.IP.String()
	}
	return a.Domain + "(" + a.IP.String() + ")"
}

// PingScanData is a result of ICMP echo probe
type PingScanData struct {
	ResponseReceived bool            `json:"response_received"`
	OS               OperatingSystem `json:"os"`
}

// PortScanData is a result of a TCP probe of a single port
type PortScanData struct {
	Port    uint16     `json:"port"`
	Status  PortStatus `json:"status"`
	Service string     `json:"service"`
	Banner  string     `json:"banner,omitempty"`
}

// ServiceID returns the identifier used for a TCP port in TargetHost.Services
func ServiceID(port uint16) string {
	return "tcp-" + strconv.Itoa(int(port))
}

// Service describes a network service found on a host. Empty fields were not
// reported by a probe.
type Service struct {
	DisplayName string            `json:"display_name,omitempty"`
	Port        uint16            `json:"port,omitempty"`
	Banner      string            `json:"banner,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
}

// Merge updates s with the non-empty fields of other. Details are merged key by key.
func (s *Service) Merge(other Service) {
	if other.DisplayName != "" {
		s.DisplayName = other.DisplayName
	}
	if other.Port != 0 {
		s.Port = other.Port
	}
	if other.Banner != "" {
		s.Banner = other.Banner
	}
	if len(other.Details) > 0 {
		if s.Details == nil {
			s.Details = make(map[string]string, len(other.Details))
		}
		maps.Copy(s.Details, other.Details)
	}
}

func (s Service) Clone() Service {
	s.Details = maps.Clone(s.Details)
	return s
}

// FingerprintData is what a single fingerprinter found on a host
type FingerprintData struct {
	OS       OperatingSystem    `json:"os"`
	Services map[string]Service `json:"services,omitempty"`
}

// NamedFingerprint binds the fingerprint data with a fingerprinter name
type NamedFingerprint struct {
	Name string
	Data FingerprintData
}

// IPScanResults are all the data the IP scanner collected for one address.
// Fingerprints are stored in the order of configured fingerprinters.
type IPScanResults struct {
	Ping         PingScanData
	Ports        map[uint16]PortScanData
	Fingerprints []NamedFingerprint
}

// FoundOpenPort reports whether the port scan found at least one open port
func (r IPScanResults) FoundOpenPort() bool {
	for _, p := range r.Ports {
		if p.Status == PortOpen {
			return true
		}
	}
	return false
}

// TargetHost is the aggregated model of a scanned host
type TargetHost struct {
	Address  NetworkAddress     `json:"address"`
	OS       OperatingSystem    `json:"operating_system"`
	ICMP     bool               `json:"icmp"`
	Services map[string]Service `json:"services"`
}

func NewTargetHost(addr NetworkAddress) *TargetHost {
	return &TargetHost{
		Address:  addr,
		Services: make(map[string]Service),
	}
}

// Clone returns a deep copy
func (h TargetHost) Clone() TargetHost {
	services := make(map[string]Service, len(h.Services))
	for k, v := range h.Services {
		services[k] = v.Clone()
	}
	h.Services = services
	return h
}

func (h TargetHost) String() string {
	return h.Address.String()
}

// ExploiterResultData is an outcome of one exploiter attempt against a host
type ExploiterResultData struct {
	ExploitationSuccess bool              `json:"exploitation_success"`
	PropagationSuccess  bool              `json:"propagation_success"`
	OS                  OperatingSystem   `json:"os"`
	Info                map[string]string `json:"info,omitempty"`
	ErrorMessage        string            `json:"error_message,omitempty"`
}

// Normalize enforces that a propagation implies an exploitation
func (r ExploiterResultData) Normalize() ExploiterResultData {
	if r.PropagationSuccess {
		r.ExploitationSuccess = true
	}
	return r
}
