package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nestsub/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, "messages", cfg.Storage.RecordsDir)
	assert.Equal(t, "clips", cfg.Storage.ClipsDir)
	assert.False(t, cfg.Dispatch.AckMessages, "acknowledgement must be opt-in")
	assert.Equal(t, config.TransportPubSub, cfg.Transport.Kind)
	assert.Equal(t, 32*1024, cfg.Clip.BufferSize)
}

func TestValidate_PubSubNeedsSubscription(t *testing.T) {
	cfg := config.Default()
	require.Error(t, cfg.Validate())

	cfg.Transport.PubSub.Subscription = "projects/p/subscriptions/s"
	require.NoError(t, cfg.Validate())
}

func TestValidate_UnknownTransport(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.Kind = "carrier-pigeon"
	assert.ErrorContains(t, cfg.Validate(), "carrier-pigeon")
}

func TestValidate_BadTimezone(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.Kind = config.TransportPush
	cfg.Storage.Timezone = "Mars/Olympus_Mons"
	assert.Error(t, cfg.Validate())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
storage:
  records_dir: /data/records
  timezone: Asia/Tokyo
transport:
  kind: kafka
  kafka:
    topic: from-file
clip:
  timeout: 15s
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("NESTSUB_DISPATCH_ACK_MESSAGES", "true")
	t.Setenv("NESTSUB_TRANSPORT_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("NESTSUB_TRANSPORT_KAFKA_GROUP_ID", "from-env")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/records", cfg.Storage.RecordsDir)
	assert.Equal(t, "clips", cfg.Storage.ClipsDir, "defaults survive a partial file")
	assert.True(t, cfg.Dispatch.AckMessages)
	assert.Equal(t, config.TransportKafka, cfg.Transport.Kind)
	assert.Equal(t, "from-file", cfg.Transport.Kafka.Topic)
	assert.Equal(t, "from-env", cfg.Transport.Kafka.GroupID)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Transport.Kafka.Brokers)
	assert.Equal(t, 15*time.Second, cfg.Clip.Timeout)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Tokyo", loc.String())
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	t.Setenv("NESTSUB_TRANSPORT_KIND", "pubsub")
	t.Setenv("NESTSUB_TRANSPORT_PUBSUB_SUBSCRIPTION", "")

	_, err := config.Load("")
	assert.Error(t, err)
}

func TestRead_SkipsValidation(t *testing.T) {
	t.Setenv("NESTSUB_TRANSPORT_KIND", "pubsub")
	t.Setenv("NESTSUB_AUTH_DEVICE_ACCESS_PROJECT_ID", "proj-1")

	cfg, err := config.Read("")
	require.NoError(t, err, "bootstrap needs no subscription")
	assert.Equal(t, "proj-1", cfg.Auth.DeviceAccessProjectID)
	assert.Error(t, cfg.Validate())
}
