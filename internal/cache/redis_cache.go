package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

const updatesChannel = "telemetry_updates"

// CacheManager is a two-tier cache: an in-process go-cache in front of an
// optional shared redis. Invalidations are fanned out to other instances
// over redis pub/sub.
type CacheManager struct {
	redisClient *redis.Client
	localCache  *cache.Cache
	pubSub      *redis.PubSub
	ctx         context.Context
	mu          sync.RWMutex
	versions    map[string]uint64
	log         *logrus.Logger
}

type updateMessage struct {
	Action    string `json:"action"`
	Key       string `json:"key"`
	Timestamp int64  `json:"timestamp"`
}

// New builds a cache manager. An empty redisURL, or a redis that does not
// answer a ping, leaves the manager in local-only mode.
func New(redisURL string, log *logrus.Logger) *CacheManager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	cm := &CacheManager{
		ctx:        context.Background(),
		localCache: cache.New(5*time.Minute, 10*time.Minute),
		versions:   make(map[string]uint64),
		log:        log,
	}
	if redisURL != "" {
		cm.initialize(redisURL)
	}
	return cm
}

func (cm *CacheManager) initialize(redisURL string) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		opts = &redis.Options{
			Addr:     redisURL,
			Password: "", // no password set
			DB:       0,  // use default DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(cm.ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		cm.log.WithError(err).Warn("redis connection failed, using local cache only")
		client.Close()
		return
	}

	pubSub := client.Subscribe(cm.ctx, updatesChannel)
	if _, err := pubSub.Receive(ctx); err != nil {
		cm.log.WithError(err).Warn("redis subscribe failed, using local cache only")
		pubSub.Close()
		client.Close()
		return
	}

	cm.redisClient = client
	cm.pubSub = pubSub
	cm.log.Info("redis connection established")
	go cm.listenForUpdates()
}

func (cm *CacheManager) listenForUpdates() {
	for msg := range cm.pubSub.Channel() {
		cm.handleUpdateMessage(msg.Payload)
	}
}

func (cm *CacheManager) handleUpdateMessage(payload string) {
	var update updateMessage
	if err := json.Unmarshal([]byte(payload), &update); err != nil {
		cm.log.WithError(err).Warn("failed to parse cache update message")
		return
	}
	if update.Key == "" {
		return
	}

	// The shared tier was already cleared by the publisher.
	cm.mu.Lock()
	cm.localCache.Delete(update.Key)
	cm.versions[update.Key]++
	cm.mu.Unlock()
}

func (cm *CacheManager) Set(key string, value interface{}, ttl time.Duration) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.set(key, value, ttl)
}

// Version returns a counter that moves every time key is invalidated,
// locally or by another instance.
func (cm *CacheManager) Version(key string) uint64 {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.versions[key]
}

// SetIfUnchanged stores value only if key has not been invalidated since
// version was read. It reports whether the value was stored.
func (cm *CacheManager) SetIfUnchanged(key string, value interface{}, ttl time.Duration, version uint64) (bool, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.versions[key] != version {
		return false, nil
	}
	return true, cm.set(key, value, ttl)
}

func (cm *CacheManager) set(key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	cm.localCache.Set(key, json.RawMessage(data), ttl)

	if cm.redisClient != nil {
		ctx, cancel := context.WithTimeout(cm.ctx, 5*time.Second)
		defer cancel()

		return cm.redisClient.Set(ctx, key, data, ttl).Err()
	}

	return nil
}

func (cm *CacheManager) Get(key string, target interface{}) (bool, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	// Try local cache first
	if val, found := cm.localCache.Get(key); found {
		return true, json.Unmarshal(val.(json.RawMessage), target)
	}

	if cm.redisClient != nil {
		ctx, cancel := context.WithTimeout(cm.ctx, 5*time.Second)
		defer cancel()

		data, err := cm.redisClient.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return false, nil
		} else if err != nil {
			return false, err
		}

		ttl := 5 * time.Minute
		if remaining, err := cm.redisClient.TTL(ctx, key).Result(); err == nil && remaining > 0 && remaining < ttl {
			ttl = remaining
		}
		cm.localCache.Set(key, json.RawMessage(data), ttl)

		return true, json.Unmarshal(data, target)
	}

	return false, nil
}

func (cm *CacheManager) Delete(key string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.localCache.Delete(key)
	cm.versions[key]++

	if cm.redisClient != nil {
		ctx, cancel := context.WithTimeout(cm.ctx, 5*time.Second)
		defer cancel()
		return cm.redisClient.Del(ctx, key).Err()
	}

	return nil
}

// PublishUpdate tells every other instance to drop its local copy of key.
func (cm *CacheManager) PublishUpdate(key string) {
	if cm.redisClient == nil {
		return
	}

	data, _ := json.Marshal(updateMessage{
		Action:    "invalidate",
		Key:       key,
		Timestamp: time.Now().Unix(),
	})
	ctx, cancel := context.WithTimeout(cm.ctx, 5*time.Second)
	defer cancel()

	if err := cm.redisClient.Publish(ctx, updatesChannel, data).Err(); err != nil {
		cm.log.WithError(err).WithField("key", key).Warn("failed to publish cache invalidation")
	}
}

func (cm *CacheManager) IsAvailable() bool {
	return cm.redisClient != nil
}

func (cm *CacheManager) Close() error {
	if cm.pubSub != nil {
		cm.pubSub.Close()
	}
	if cm.redisClient != nil {
		return cm.redisClient.Close()
	}
	return nil
}
