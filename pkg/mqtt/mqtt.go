package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/benmeehan/tractive-agent/pkg/file"
)

// MQTTClient defines the interface for an MQTT client.
type MQTTClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Publisher sends JSON events to a topic.
type Publisher interface {
	PublishJSON(topic string, qos byte, v any) error
	Close()
}

// Options configures the broker connection.
type Options struct {
	Broker        string
	ClientID      string
	Username      string
	Password      string
	CACertificate string
	Timeout       time.Duration
}

// MqttService provides methods for MQTT operations.
type MqttService struct {
	client     MQTTClient
	fileClient file.FileOperations
	timeout    time.Duration
}

// NewMqttService creates a new MqttService instance.
func NewMqttService(fileClient file.FileOperations) *MqttService {
	return &MqttService{
		fileClient: fileClient,
		timeout:    10 * time.Second,
	}
}

// NewMqttServiceWithClient wraps an existing client, used by tests.
func NewMqttServiceWithClient(client MQTTClient, timeout time.Duration) *MqttService {
	return &MqttService{client: client, timeout: timeout}
}

// Initialize sets up the MQTT client, with TLS when a CA certificate is given, and
// connects.
func (s *MqttService) Initialize(opts Options) error {
	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(opts.Broker)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetAutoReconnect(true)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}
	if opts.Timeout > 0 {
		s.timeout = opts.Timeout
	}

	if opts.CACertificate != "" {
		caCert, err := s.fileClient.ReadFileRaw(opts.CACertificate)
		if err != nil {
			return fmt.Errorf("failed to read CA certificate: %v", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return fmt.Errorf("failed to append CA certificate")
		}
		clientOpts.SetTLSConfig(&tls.Config{RootCAs: caCertPool, MinVersion: tls.VersionTLS12})
	}

	s.client = mqtt.NewClient(clientOpts)

	token := s.client.Connect()
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("timed out connecting to %s", opts.Broker)
	}
	return token.Error()
}

// PublishJSON marshals v and publishes it, waiting up to the service timeout.
func (s *MqttService) PublishJSON(topic string, qos byte, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	token := s.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	return token.Error()
}

// Close gracefully disconnects the MQTT client.
func (s *MqttService) Close() {
	if s.client != nil {
		s.client.Disconnect(250)
	}
}
