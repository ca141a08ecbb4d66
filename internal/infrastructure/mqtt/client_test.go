package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/rkek9501/MqttClient/internal/session"
)

// testParams returns connection parameters for a local broker.
func testParams() session.Params {
	return session.Params{
		Host:           "127.0.0.1",
		Port:           1883,
		ClientID:       "mqttsession-test",
		KeepAlive:      30 * time.Second,
		PresencePrefix: "mqttsession",
	}
}

// fakeMessage implements pahomqtt.Message.
type fakeMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return m.qos }
func (m fakeMessage) Retained() bool    { return m.retained }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
}

func (l *recordingLogger) Debug(string, ...any) {}
func (l *recordingLogger) Warn(string, ...any)  {}
func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

// =============================================================================
// Option Tests
// =============================================================================

func TestBuildClientOptions(t *testing.T) {
	p := testParams()
	p.Username = "user"
	p.Password = "secret"

	opts := buildClientOptions(p)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want [tcp://127.0.0.1:1883]", opts.Servers)
	}
	if opts.ClientID != "mqttsession-test" {
		t.Errorf("ClientID = %q, want %q", opts.ClientID, "mqttsession-test")
	}
	if opts.Username != "user" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q, want user/secret", opts.Username, opts.Password)
	}
	if !opts.CleanSession {
		t.Error("CleanSession = false, want true")
	}
	if opts.AutoReconnect || opts.ConnectRetry {
		t.Error("paho reconnect enabled, want disabled")
	}
	if opts.KeepAlive != 30 {
		t.Errorf("KeepAlive = %d, want 30", opts.KeepAlive)
	}
	if opts.TLSConfig != nil && opts.TLSConfig.MinVersion != 0 {
		t.Error("TLSConfig set for plain TCP")
	}
}

func TestBuildClientOptionsTLS(t *testing.T) {
	p := testParams()
	p.TLS = true
	p.Port = 8883
	p.KeepAlive = 0

	opts := buildClientOptions(p)

	if opts.Servers[0].String() != "ssl://127.0.0.1:8883" {
		t.Errorf("Servers[0] = %v, want ssl://127.0.0.1:8883", opts.Servers[0])
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Errorf("TLSConfig = %+v, want MinVersion TLS1.2", opts.TLSConfig)
	}
	if opts.KeepAlive != int64(defaultKeepAlive/time.Second) {
		t.Errorf("KeepAlive = %d, want default", opts.KeepAlive)
	}
}

func TestConfigureLWT(t *testing.T) {
	p := testParams()
	opts := buildClientOptions(p)
	configureLWT(opts, p)

	if !opts.WillEnabled {
		t.Fatal("WillEnabled = false, want true")
	}
	if opts.WillTopic != "mqttsession/mqttsession-test/status" {
		t.Errorf("WillTopic = %q", opts.WillTopic)
	}
	if !opts.WillRetained || opts.WillQos != presenceQoS {
		t.Errorf("will retained=%v qos=%d, want retained qos 1", opts.WillRetained, opts.WillQos)
	}

	var doc presencePayload
	if err := json.Unmarshal(opts.WillPayload, &doc); err != nil {
		t.Fatalf("will payload is not JSON: %v", err)
	}
	if doc.Status != presenceOffline || doc.Reason != reasonUnexpected {
		t.Errorf("will payload = %+v", doc)
	}
}

func TestConfigureLWTDisabled(t *testing.T) {
	p := testParams()
	p.PresencePrefix = ""
	opts := buildClientOptions(p)
	configureLWT(opts, p)

	if opts.WillEnabled {
		t.Error("WillEnabled = true without presence prefix")
	}
}

func TestPresenceTopic(t *testing.T) {
	tests := []struct {
		prefix, clientID, want string
	}{
		{"mqttsession", "console-01", "mqttsession/console-01/status"},
		{"mqttsession/", "console-01", "mqttsession/console-01/status"},
		{"site/a/clients", "x", "site/a/clients/x/status"},
	}
	for _, tt := range tests {
		if got := PresenceTopic(tt.prefix, tt.clientID); got != tt.want {
			t.Errorf("PresenceTopic(%q, %q) = %q, want %q", tt.prefix, tt.clientID, got, tt.want)
		}
	}
}

func TestBuildPresencePayload(t *testing.T) {
	var doc presencePayload
	if err := json.Unmarshal(buildPresencePayload("c1", presenceOnline, ""), &doc); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if doc.Status != "online" || doc.ClientID != "c1" || doc.Reason != "" {
		t.Errorf("payload = %+v", doc)
	}
	if _, err := time.Parse(time.RFC3339, doc.Timestamp); err != nil {
		t.Errorf("timestamp %q not RFC3339", doc.Timestamp)
	}
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestOpenBrokerRefused(t *testing.T) {
	p := testParams()
	p.Port = 19998

	c := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Open(ctx, p)
	if err == nil {
		t.Fatal("Open() should fail for refused connection")
	}
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Open() error = %v, want ErrConnectionFailed", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after failed Open")
	}
}

func TestOperationsWhenNotConnected(t *testing.T) {
	c := New()
	ctx := context.Background()

	if c.IsConnected() {
		t.Error("IsConnected() = true for new client")
	}
	if err := c.Publish(ctx, session.Message{Topic: "a", Payload: []byte("x")}, 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	subs := []session.Subscription{{Filter: "test/#", QoS: 1}}
	if err := c.SubscribeBatch(ctx, subs); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SubscribeBatch() error = %v, want ErrNotConnected", err)
	}
	if err := c.SubscribeBatch(ctx, nil); err != nil {
		t.Errorf("SubscribeBatch(nil) error = %v, want nil", err)
	}
	if err := c.HealthCheck(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestCloseNotConnected(t *testing.T) {
	c := New()
	if err := c.Close(context.Background()); err != nil {
		t.Errorf("Close() error = %v, want nil", err)
	}
}

func TestHealthCheckCancelled(t *testing.T) {
	c := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.HealthCheck(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

// =============================================================================
// Callback Tests
// =============================================================================

func TestHandleMessage(t *testing.T) {
	c := New()

	var got session.Delivery
	c.OnMessage(func(d session.Delivery) { got = d })

	c.handleMessage(fakeMessage{topic: "test/a", payload: []byte("hi"), qos: 1, retained: true})

	if got.Topic != "test/a" || string(got.Payload) != "hi" {
		t.Errorf("delivery = %+v", got)
	}
	if got.QoS != session.AtLeastOnce || !got.Retained {
		t.Errorf("QoS/Retained = %d/%v, want 1/true", got.QoS, got.Retained)
	}
	if got.At.IsZero() {
		t.Error("At not set")
	}
}

func TestHandleMessageWithoutHandler(t *testing.T) {
	c := New()
	c.handleMessage(fakeMessage{topic: "test/a"})
}

func TestHandleMessagePanicRecovered(t *testing.T) {
	c := New()
	logger := &recordingLogger{}
	c.SetLogger(logger)
	c.OnMessage(func(session.Delivery) { panic("boom") })

	c.handleMessage(fakeMessage{topic: "test/a"})

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.errors) != 1 {
		t.Errorf("logged errors = %v, want one panic report", logger.errors)
	}
}

func TestHandleConnectionLost(t *testing.T) {
	c := New()
	pc := pahomqtt.NewClient(pahomqtt.NewClientOptions())
	c.client = pc

	var got []session.DisconnectEvent
	c.OnDisconnected(func(ev session.DisconnectEvent) { got = append(got, ev) })

	reason := errors.New("EOF")
	c.handleConnectionLost(pc, reason)

	if len(got) != 1 {
		t.Fatalf("disconnect events = %d, want 1", len(got))
	}
	if !got[0].Unexpected || !errors.Is(got[0].Reason, reason) {
		t.Errorf("event = %+v", got[0])
	}
	if c.client != nil {
		t.Error("client not cleared after loss")
	}
}

func TestHandleConnectionLostStaleClient(t *testing.T) {
	c := New()
	current := pahomqtt.NewClient(pahomqtt.NewClientOptions())
	stale := pahomqtt.NewClient(pahomqtt.NewClientOptions())
	c.client = current

	called := false
	c.OnDisconnected(func(session.DisconnectEvent) { called = true })

	c.handleConnectionLost(stale, errors.New("EOF"))

	if called {
		t.Error("disconnect handler called for replaced client")
	}
	if c.client != current {
		t.Error("current client cleared by stale callback")
	}
}

func TestCheckGranted(t *testing.T) {
	if err := checkGranted(map[string]byte{"test/#": 1, "new/case": 0}); err != nil {
		t.Errorf("checkGranted() error = %v, want nil", err)
	}
	err := checkGranted(map[string]byte{"test/#": 1, "secret/#": subackFailure})
	if !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("checkGranted() error = %v, want ErrSubscribeFailed", err)
	}
}

func TestSubscribeFilters(t *testing.T) {
	got := subscribeFilters([]session.Subscription{
		{Filter: "test/#", QoS: session.AtLeastOnce},
		{Filter: "new/case", QoS: session.AtMostOnce},
		{Filter: "test/#", QoS: session.ExactlyOnce},
	})

	if len(got) != 2 {
		t.Fatalf("subscribeFilters() = %v, want 2 filters", got)
	}
	if got["test/#"] != 2 {
		t.Errorf("test/# qos = %d, want 2 from the last entry", got["test/#"])
	}
	if got["new/case"] != 0 {
		t.Errorf("new/case qos = %d, want 0", got["new/case"])
	}
}

func TestClientIsSessionHealthChecker(t *testing.T) {
	var tr session.Transport = New()
	if _, ok := tr.(session.HealthChecker); !ok {
		t.Error("*Client does not implement session.HealthChecker")
	}
}

func TestWaitTokenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := waitToken(ctx, neverToken{})
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, context.Canceled) {
		t.Errorf("waitToken() error = %v, want ErrTimeout wrapping context.Canceled", err)
	}
}

// neverToken is a pahomqtt.Token that never completes.
type neverToken struct{}

func (neverToken) Wait() bool                     { return false }
func (neverToken) WaitTimeout(time.Duration) bool { return false }
func (neverToken) Done() <-chan struct{}          { return nil }
func (neverToken) Error() error                   { return nil }
