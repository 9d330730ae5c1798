package island

import (
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/CZERTAINLY/bas-agent/internal/model"

	"github.com/google/uuid"
)

type EventType string

const (
	EventPingScan       EventType = "PingScanEvent"
	EventTCPScan        EventType = "TCPScanEvent"
	EventFingerprinting EventType = "FingerprintingEvent"
	EventExploitation   EventType = "ExploitationEvent"
	EventPropagation    EventType = "PropagationEvent"
)

// Event is a single observation of the agent sent to the Island
type Event struct {
	ID        uuid.UUID `json:"id"`
	Type      EventType `json:"type"`
	Source    uuid.UUID `json:"source"`
	Target    string    `json:"target,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Tags      []string  `json:"tags,omitempty"`
	Data      any       `json:"data,omitempty"`
}

type PingScanData struct {
	ResponseReceived bool                  `json:"response_received"`
	OS               model.OperatingSystem `json:"os"`
}

type TCPScanData struct {
	Ports map[string]model.PortStatus `json:"ports"`
}

type FingerprintingData struct {
	Fingerprinter string                   `json:"fingerprinter"`
	OS            model.OperatingSystem    `json:"os"`
	Services      map[string]model.Service `json:"services,omitempty"`
}

type ExploitationData struct {
	Exploiter    string                `json:"exploiter_name"`
	Success      bool                  `json:"success"`
	OS           model.OperatingSystem `json:"os"`
	Info         map[string]string     `json:"info,omitempty"`
	ErrorMessage string                `json:"error_message,omitempty"`
}

// EventFactory stamps events with the agent id and the current time
type EventFactory struct {
	Source uuid.UUID
	Now    func() time.Time
}

func NewEventFactory(source uuid.UUID) EventFactory {
	return EventFactory{Source: source, Now: time.Now}
}

func (f EventFactory) event(typ EventType, target string, data any, tags ...string) Event {
	return Event{
		ID:        uuid.New(),
		Type:      typ,
		Source:    f.Source,
		Target:    target,
		Timestamp: f.Now().UTC(),
		Tags:      tags,
		Data:      data,
	}
}

// ScanEvents converts the results of one target into ping, tcp scan and
// fingerprinting events
func (f EventFactory) ScanEvents(addr model.NetworkAddress, res model.IPScanResults) []Event {
	target := addr.IP.String()
	events := make([]Event, 0, 2+len(res.Fingerprints))
	events = append(events, f.event(EventPingScan, target, PingScanData{
		ResponseReceived: res.Ping.ResponseReceived,
		OS:               res.Ping.OS,
	}))

	ports := make(map[string]model.PortStatus, len(res.Ports))
	for _, p := range slices.Sorted(maps.Keys(res.Ports)) {
		ports[strconv.Itoa(int(p))] = res.Ports[p].Status
	}
	events = append(events, f.event(EventTCPScan, target, TCPScanData{Ports: ports}))

	for _, fp := range res.Fingerprints {
		events = append(events, f.event(EventFingerprinting, target, FingerprintingData{
			Fingerprinter: fp.Name,
			OS:            fp.Data.OS,
			Services:      fp.Data.Services,
		}, fp.Name))
	}
	return events
}

// ExploitEvents converts one exploiter attempt into an exploitation event,
// followed by a propagation event when the exploiter propagated
func (f EventFactory) ExploitEvents(exploiter string, host model.TargetHost, res model.ExploiterResultData) []Event {
	target := host.Address.IP.String()
	data := ExploitationData{
		Exploiter:    exploiter,
		Success:      res.ExploitationSuccess,
		OS:           res.OS,
		Info:         res.Info,
		ErrorMessage: res.ErrorMessage,
	}
	events := []Event{f.event(EventExploitation, target, data, exploiter)}
	if res.PropagationSuccess {
		data.Success = true
		events = append(events, f.event(EventPropagation, target, data, exploiter))
	}
	return events
}
