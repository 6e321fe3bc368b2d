package discovery

import (
	"io"
	"testing"

	"github.com/sammck-go/logger"

	"github.com/midgardauto/ipcproxy/internal/ipcid"
)

func newTestLogger(t *testing.T) logger.Logger {
	t.Helper()
	lg, err := logger.New(
		logger.WithWriter(io.Discard),
		logger.WithLogLevel(logger.LogLevelDebug),
		logger.WithPrefix("discovery_test"),
	)
	if err != nil {
		t.Fatalf("logger.New(): %v", err)
	}
	return lg
}

func mustProvided(t *testing.T, service ipcid.ServiceId, instance ipcid.InstanceId, major ipcid.MajorVersion, minor ipcid.MinorVersion) ipcid.ProvidedServiceInstanceID {
	t.Helper()
	id, err := ipcid.NewProvidedServiceInstanceID(service, instance, major, minor)
	if err != nil {
		t.Fatalf("NewProvidedServiceInstanceID: %v", err)
	}
	return id
}

func TestListenServiceDeliversAlreadyPublishedInstance(t *testing.T) {
	r := NewStaticRegistry(newTestLogger(t))
	id := mustProvided(t, 1, 2, 1, 0)
	addr := ipcid.UnicastAddress{Domain: 1, Port: 1}
	r.Publish(id, addr)

	var got []ProvidedState
	required := ipcid.RequiredServiceInstanceID{InstanceAddressable: ipcid.InstanceAddressable{Service: 1, Instance: 2, Major: 1, Minor: 0}}
	if err := r.ListenService(required, func(ep ipcid.ProvidedServiceInstanceEndpoint, state ProvidedState) {
		got = append(got, state)
	}); err != nil {
		t.Fatalf("ListenService: %v", err)
	}
	if len(got) != 1 || got[0] != StateUp {
		t.Fatalf("got = %v, want [Up]", got)
	}
}

func TestListenServiceWildcardMatchesAnyInstance(t *testing.T) {
	r := NewStaticRegistry(newTestLogger(t))

	var delivered []ipcid.ProvidedServiceInstanceEndpoint
	required := ipcid.RequiredServiceInstanceID{InstanceAddressable: ipcid.InstanceAddressable{Service: 1, Instance: ipcid.InstanceIDAll, Major: 1, Minor: ipcid.MinorVersionAny}}
	if err := r.ListenService(required, func(ep ipcid.ProvidedServiceInstanceEndpoint, state ProvidedState) {
		delivered = append(delivered, ep)
	}); err != nil {
		t.Fatalf("ListenService: %v", err)
	}

	id := mustProvided(t, 1, 7, 1, 3)
	addr := ipcid.UnicastAddress{Domain: 2, Port: 2}
	r.Publish(id, addr)

	if len(delivered) != 1 || delivered[0].ID != id {
		t.Fatalf("delivered = %v, want one endpoint for %s", delivered, id)
	}
}

func TestWithdrawNotifiesDownOnlyForPublishedInstances(t *testing.T) {
	r := NewStaticRegistry(newTestLogger(t))
	id := mustProvided(t, 1, 2, 1, 0)

	var states []ProvidedState
	required := ipcid.RequiredServiceInstanceID{InstanceAddressable: ipcid.InstanceAddressable{Service: 1, Instance: 2, Major: 1, Minor: 0}}
	_ = r.ListenService(required, func(ep ipcid.ProvidedServiceInstanceEndpoint, state ProvidedState) {
		states = append(states, state)
	})

	// Withdraw before ever publishing: no callback should fire.
	r.Withdraw(id)
	if len(states) != 0 {
		t.Fatalf("states = %v, want none before any Publish", states)
	}

	r.Publish(id, ipcid.UnicastAddress{Domain: 1, Port: 1})
	r.Withdraw(id)
	if len(states) != 2 || states[0] != StateUp || states[1] != StateDown {
		t.Fatalf("states = %v, want [Up Down]", states)
	}
}

func TestUnlistenServiceStopsFutureNotifications(t *testing.T) {
	r := NewStaticRegistry(newTestLogger(t))
	required := ipcid.RequiredServiceInstanceID{InstanceAddressable: ipcid.InstanceAddressable{Service: 1, Instance: 2, Major: 1, Minor: 0}}

	count := 0
	_ = r.ListenService(required, func(ipcid.ProvidedServiceInstanceEndpoint, ProvidedState) { count++ })
	if err := r.UnlistenService(required); err != nil {
		t.Fatalf("UnlistenService: %v", err)
	}

	id := mustProvided(t, 1, 2, 1, 0)
	r.Publish(id, ipcid.UnicastAddress{Domain: 1, Port: 1})
	if count != 0 {
		t.Fatalf("count = %d, want 0 after UnlistenService", count)
	}
}
