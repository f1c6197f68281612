package upgrade

import "github.com/netopslab/fwupgrade/internal/stage"

// DeviceStatus is one device's entry in the broadcast snapshot.
type DeviceStatus struct {
	Status string `json:"status"`
	Name   string `json:"name"`
}

// Snapshot is the full status map pushed to observers after every
// transition: group name -> device ip -> status.
type Snapshot map[string]map[string]DeviceStatus

func (s Snapshot) set(group, ip string, status DeviceStatus) {
	devices, ok := s[group]
	if !ok {
		devices = make(map[string]DeviceStatus)
		s[group] = devices
	}
	devices[ip] = status
}

func (s Snapshot) clone() Snapshot {
	out := make(Snapshot, len(s))
	for group, devices := range s {
		cp := make(map[string]DeviceStatus, len(devices))
		for ip, status := range devices {
			cp[ip] = status
		}
		out[group] = cp
	}
	return out
}

// Broadcaster pushes one snapshot frame to the observing clients. Callers
// hand over a private copy; implementations may retain it.
type Broadcaster interface {
	PushSnapshot(snap Snapshot)
}

// Transition is one device's stage change, reported by its runner.
type Transition struct {
	Group string
	IP    string
	Name  string
	Stage stage.Stage
}

// board owns the shared snapshot for one batch. Runners post transitions;
// a single goroutine applies them and broadcasts, so observers never see a
// partially updated map.
type board struct {
	snap   Snapshot
	events chan Transition
	bc     Broadcaster
	done   chan struct{}
}

func newBoard(seed Snapshot, bc Broadcaster) *board {
	b := &board{
		snap:   seed,
		events: make(chan Transition, 64),
		bc:     bc,
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *board) run() {
	defer close(b.done)
	for t := range b.events {
		b.snap.set(t.Group, t.IP, DeviceStatus{Status: string(t.Stage), Name: t.Name})
		b.bc.PushSnapshot(b.snap.clone())
	}
}

func (b *board) post(t Transition) {
	b.events <- t
}

// close drains outstanding transitions and returns the final snapshot.
func (b *board) close() Snapshot {
	close(b.events)
	<-b.done
	return b.snap
}
