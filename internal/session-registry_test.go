package sessioncontroller

import (
	"sync"
	"testing"
)

type closeRecorder struct {
	mu      sync.Mutex
	entries []closeEntry
}

type closeEntry struct {
	userID     int64
	deviceType DeviceType
	status     SessionCloseStatus
}

func (r *closeRecorder) notify(session *UserSession, reason CloseReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, closeEntry{
		userID:     session.UserID,
		deviceType: session.DeviceType,
		status:     reason.Status,
	})
}

func (r *closeRecorder) all() []closeEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]closeEntry(nil), r.entries...)
}

func TestSessionRegistry_PutReplacesSameDevice(t *testing.T) {

	recorder := &closeRecorder{}
	registry := NewSessionRegistry(SessionRegistryConfig{
		TreatUserIDAndDeviceTypeAsUniqueUser: true,
	}, recorder.notify)

	replaced, accepted := registry.Put(&UserSession{Version: 1, UserID: 1, DeviceType: DeviceTypeAndroid})
	if !accepted {
		t.Fatalf("Expected the put to be accepted")
	}
	if len(replaced) != 0 {
		t.Errorf("Expected no replaced sessions, but got '%d'", len(replaced))
	}

	// A second device type for the same user coexists under this policy.
	if _, accepted := registry.Put(&UserSession{Version: 2, UserID: 1, DeviceType: DeviceTypeIOS}); !accepted {
		t.Fatalf("Expected the put to be accepted")
	}

	if count := registry.Count(); count != 2 {
		t.Errorf("Expected '%d' sessions, but got '%d'", 2, count)
	}

	// Logging in again on android replaces only the android session.
	replaced, accepted = registry.Put(&UserSession{Version: 3, UserID: 1, DeviceType: DeviceTypeAndroid})
	if !accepted {
		t.Fatalf("Expected the put to be accepted")
	}
	if len(replaced) != 1 || replaced[0].Version != 1 {
		t.Errorf("Expected the version 1 android session to be replaced, but got '%v'", replaced)
	}

	entries := recorder.all()
	if len(entries) != 1 {
		t.Fatalf("Expected exactly '%d' close notification, but got '%d'", 1, len(entries))
	}
	if entries[0].status != CloseStatusDuplicateLogin {
		t.Errorf("Expected status '%d', but got '%d'", CloseStatusDuplicateLogin, entries[0].status)
	}
	if entries[0].deviceType != DeviceTypeAndroid {
		t.Errorf("Expected device type '%s', but got '%s'", DeviceTypeAndroid, entries[0].deviceType)
	}
}

func TestSessionRegistry_PutReplacesAllDevices(t *testing.T) {

	recorder := &closeRecorder{}
	registry := NewSessionRegistry(SessionRegistryConfig{
		TreatUserIDAndDeviceTypeAsUniqueUser: false,
	}, recorder.notify)

	registry.Put(&UserSession{Version: 1, UserID: 1, DeviceType: DeviceTypeAndroid})

	// Under the single-session policy a login on another device evicts the
	// existing session.
	replaced, accepted := registry.Put(&UserSession{Version: 2, UserID: 1, DeviceType: DeviceTypeIOS})
	if !accepted {
		t.Fatalf("Expected the put to be accepted")
	}
	if len(replaced) != 1 || replaced[0].DeviceType != DeviceTypeAndroid {
		t.Errorf("Expected the android session to be replaced, but got '%v'", replaced)
	}

	if count := registry.Count(); count != 1 {
		t.Errorf("Expected '%d' session, but got '%d'", 1, count)
	}

	entries := recorder.all()
	if len(entries) != 1 || entries[0].status != CloseStatusDuplicateLogin {
		t.Errorf("Expected one duplicate-login notification, but got '%v'", entries)
	}
}

func TestSessionRegistry_PutStaleWriterLoses(t *testing.T) {

	recorder := &closeRecorder{}
	registry := NewSessionRegistry(SessionRegistryConfig{
		TreatUserIDAndDeviceTypeAsUniqueUser: true,
	}, recorder.notify)

	registry.Put(&UserSession{Version: 5, UserID: 1, DeviceType: DeviceTypeAndroid})

	// A delayed write carrying an older version loses silently.
	replaced, accepted := registry.Put(&UserSession{Version: 4, UserID: 1, DeviceType: DeviceTypeAndroid})
	if accepted {
		t.Errorf("Expected the stale put to be rejected")
	}
	if replaced != nil {
		t.Errorf("Expected no replaced sessions, but got '%v'", replaced)
	}

	session, ok := registry.GetByDeviceType(1, DeviceTypeAndroid)
	if !ok || session.Version != 5 {
		t.Errorf("Expected the version 5 session to survive, but got '%v'", session)
	}

	if entries := recorder.all(); len(entries) != 0 {
		t.Errorf("Expected no close notifications, but got '%v'", entries)
	}
}

func TestSessionRegistry_Remove(t *testing.T) {

	recorder := &closeRecorder{}
	registry := NewSessionRegistry(SessionRegistryConfig{
		TreatUserIDAndDeviceTypeAsUniqueUser: true,
	}, recorder.notify)

	registry.Put(&UserSession{Version: 1, UserID: 1, DeviceType: DeviceTypeAndroid})

	reason := NewCloseReason(CloseStatusKickedOutByOtherDevice)

	if removed := registry.Remove(1, DeviceTypeAndroid, reason); !removed {
		t.Errorf("Expected the session to be removed")
	}

	// Removing again is a no-op and produces no second notification.
	if removed := registry.Remove(1, DeviceTypeAndroid, reason); removed {
		t.Errorf("Expected no session to be removed")
	}

	entries := recorder.all()
	if len(entries) != 1 {
		t.Fatalf("Expected exactly '%d' close notification, but got '%d'", 1, len(entries))
	}
	if entries[0].status != CloseStatusKickedOutByOtherDevice {
		t.Errorf("Expected status '%d', but got '%d'", CloseStatusKickedOutByOtherDevice, entries[0].status)
	}
}

func TestSessionRegistry_RemoveAll(t *testing.T) {

	recorder := &closeRecorder{}
	registry := NewSessionRegistry(SessionRegistryConfig{
		TreatUserIDAndDeviceTypeAsUniqueUser: true,
	}, recorder.notify)

	registry.Put(&UserSession{Version: 1, UserID: 1, DeviceType: DeviceTypeAndroid})
	registry.Put(&UserSession{Version: 2, UserID: 1, DeviceType: DeviceTypeIOS})
	registry.Put(&UserSession{Version: 3, UserID: 2, DeviceType: DeviceTypeBrowser})

	reason := NewCloseReason(CloseStatusDisconnectedByAdmin)

	if removed := registry.RemoveAll(1, reason); removed != 2 {
		t.Errorf("Expected '%d' removed sessions, but got '%d'", 2, removed)
	}

	if removed := registry.RemoveAll(1, reason); removed != 0 {
		t.Errorf("Expected '%d' removed sessions, but got '%d'", 0, removed)
	}

	if sessions := registry.Get(1); sessions != nil {
		t.Errorf("Expected no sessions, but got '%v'", sessions)
	}

	// The other user's session is untouched.
	if count := registry.Count(); count != 1 {
		t.Errorf("Expected '%d' session, but got '%d'", 1, count)
	}

	if entries := recorder.all(); len(entries) != 2 {
		t.Errorf("Expected '%d' close notifications, but got '%d'", 2, len(entries))
	}
}

func TestSessionRegistry_RemoveAllSessions(t *testing.T) {

	recorder := &closeRecorder{}
	registry := NewSessionRegistry(SessionRegistryConfig{
		TreatUserIDAndDeviceTypeAsUniqueUser: true,
	}, recorder.notify)

	registry.Put(&UserSession{Version: 1, UserID: 1, DeviceType: DeviceTypeAndroid})
	registry.Put(&UserSession{Version: 2, UserID: 1, DeviceType: DeviceTypeIOS})
	registry.Put(&UserSession{Version: 3, UserID: 2, DeviceType: DeviceTypeBrowser})

	reason := NewCloseReason(CloseStatusServerClosed)

	if removed := registry.RemoveAllSessions(reason); removed != 3 {
		t.Errorf("Expected '%d' removed sessions, but got '%d'", 3, removed)
	}

	if count := registry.Count(); count != 0 {
		t.Errorf("Expected '%d' sessions, but got '%d'", 0, count)
	}

	entries := recorder.all()
	if len(entries) != 3 {
		t.Fatalf("Expected '%d' close notifications, but got '%d'", 3, len(entries))
	}
	for _, entry := range entries {
		if entry.status != CloseStatusServerClosed {
			t.Errorf("Expected status '%d', but got '%d'", CloseStatusServerClosed, entry.status)
		}
	}

	if removed := registry.RemoveAllSessions(reason); removed != 0 {
		t.Errorf("Expected '%d' removed sessions, but got '%d'", 0, removed)
	}
}

func TestSessionRegistry_Counts(t *testing.T) {

	registry := NewSessionRegistry(SessionRegistryConfig{
		TreatUserIDAndDeviceTypeAsUniqueUser: true,
	}, nil)

	registry.Put(&UserSession{Version: 1, UserID: 1, DeviceType: DeviceTypeAndroid})
	registry.Put(&UserSession{Version: 2, UserID: 1, DeviceType: DeviceTypeIOS})
	registry.Put(&UserSession{Version: 3, UserID: 2, DeviceType: DeviceTypeBrowser})

	if count := registry.Count(); count != 3 {
		t.Errorf("Expected '%d' sessions, but got '%d'", 3, count)
	}

	if count := registry.CountUsers(); count != 2 {
		t.Errorf("Expected '%d' users, but got '%d'", 2, count)
	}
}

func TestSessionRegistry_UpdateHeartbeat(t *testing.T) {

	registry := NewSessionRegistry(SessionRegistryConfig{
		TreatUserIDAndDeviceTypeAsUniqueUser: true,
	}, nil)

	registry.Put(&UserSession{Version: 1, UserID: 1, DeviceType: DeviceTypeAndroid})

	if ok := registry.UpdateHeartbeat(1, DeviceTypeAndroid); !ok {
		t.Errorf("Expected the heartbeat to be recorded")
	}

	session, _ := registry.GetByDeviceType(1, DeviceTypeAndroid)
	if session.LastHeartbeat.IsZero() {
		t.Errorf("Expected a non-zero heartbeat timestamp")
	}

	if ok := registry.UpdateHeartbeat(1, DeviceTypeBrowser); ok {
		t.Errorf("Expected no heartbeat for a missing session")
	}
}
