// Package cache implements VehicleCache, the read-through cache in
// front of the vehicle repository: five logical caches (vehicle-by-imei,
// vehicle-by-id, last-location-by-deviceId, last-location-by-imei, and
// deviceId-to-imei) backed by ristretto.Cache instances, with an
// auxiliary access-frequency tracker feeding a periodic maintenance tick.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"github.com/fleettrack/ingestion-core/internal/config"
	"github.com/fleettrack/ingestion-core/internal/models"
)

// VehicleCache fronts vehicle and last-location lookups with five
// independent ristretto caches, matching the five logical caches named
// by the component design.
type VehicleCache struct {
	cfg    config.CacheConfig
	logger *zap.Logger

	vehicleByIMEI     *ristretto.Cache
	vehicleByID       *ristretto.Cache
	lastLocByDeviceID *ristretto.Cache
	lastLocByIMEI     *ristretto.Cache
	deviceToIMEI      *ristretto.Cache

	accessMu sync.Mutex
	access   map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a VehicleCache with five ristretto instances sized per
// cfg, and starts the periodic maintenance tick.
func New(cfg config.CacheConfig, logger *zap.Logger) (*VehicleCache, error) {
	mk := func(maxCost int64) (*ristretto.Cache, error) {
		return ristretto.NewCache(&ristretto.Config{
			NumCounters: maxCost * 10,
			MaxCost:     maxCost,
			BufferItems: 64,
		})
	}

	vByIMEI, err := mk(cfg.MaxSize)
	if err != nil {
		return nil, err
	}
	vByID, err := mk(cfg.MaxSize)
	if err != nil {
		return nil, err
	}
	lByDevice, err := mk(cfg.MaxSize * 2)
	if err != nil {
		return nil, err
	}
	lByIMEI, err := mk(cfg.MaxSize * 2)
	if err != nil {
		return nil, err
	}
	d2i, err := mk(cfg.MaxSize)
	if err != nil {
		return nil, err
	}

	vc := &VehicleCache{
		cfg:               cfg,
		logger:            logger,
		vehicleByIMEI:     vByIMEI,
		vehicleByID:       vByID,
		lastLocByDeviceID: lByDevice,
		lastLocByIMEI:     lByIMEI,
		deviceToIMEI:      d2i,
		access:            make(map[string]time.Time),
		stopCh:            make(chan struct{}),
	}
	vc.wg.Add(1)
	go vc.maintenanceLoop()
	return vc, nil
}

func (c *VehicleCache) touch(key string) {
	c.accessMu.Lock()
	c.access[key] = time.Now()
	c.accessMu.Unlock()
}

// PutVehicle populates vehicle-by-imei, vehicle-by-id, and
// deviceId-to-imei (if bound) for v.
func (c *VehicleCache) PutVehicle(v *models.Vehicle) {
	c.vehicleByIMEI.SetWithTTL("imei:"+v.IMEI, v, 1, c.cfg.ExpireAfterWrite)
	c.vehicleByID.SetWithTTL("id:"+v.VehicleID, v, 1, c.cfg.ExpireAfterWrite)
	if deviceID := v.BoundDeviceID(); deviceID != "" {
		c.deviceToIMEI.SetWithTTL("device:"+deviceID, v.IMEI, 1, c.cfg.ExpireAfterWrite)
	}
}

// VehicleByIMEI looks up a cached vehicle by imei; a miss returns false
// without loading (LookupByIMEI is the read-through path).
func (c *VehicleCache) VehicleByIMEI(imei string) (*models.Vehicle, bool) {
	key := "imei:" + imei
	val, ok := c.vehicleByIMEI.Get(key)
	if !ok {
		return nil, false
	}
	c.touch(key)
	return val.(*models.Vehicle), true
}

// VehicleByID looks up a cached vehicle by surrogate vehicle id; a miss
// returns false without loading.
func (c *VehicleCache) VehicleByID(id string) (*models.Vehicle, bool) {
	key := "id:" + id
	val, ok := c.vehicleByID.Get(key)
	if !ok {
		return nil, false
	}
	c.touch(key)
	return val.(*models.Vehicle), true
}

// IMEIForDevice resolves a deviceId to its bound imei, if cached.
func (c *VehicleCache) IMEIForDevice(deviceID string) (string, bool) {
	key := "device:" + deviceID
	val, ok := c.deviceToIMEI.Get(key)
	if !ok {
		return "", false
	}
	c.touch(key)
	return val.(string), true
}

// PutLastLocation populates last-location-by-deviceId and
// last-location-by-imei for loc.
func (c *VehicleCache) PutLastLocation(loc *models.LastLocation) {
	if loc.DeviceID != "" {
		c.lastLocByDeviceID.SetWithTTL("device:"+loc.DeviceID, loc, 1, c.cfg.LocationExpiry)
	}
	if loc.IMEI != "" {
		c.lastLocByIMEI.SetWithTTL("imei:"+loc.IMEI, loc, 1, c.cfg.LocationExpiry)
	}
}

// LastLocationByIMEI looks up a cached last location by imei, preferred
// per the component design's "imei preferred" keying rule; a miss
// returns false without loading.
func (c *VehicleCache) LastLocationByIMEI(imei string) (*models.LastLocation, bool) {
	key := "imei:" + imei
	val, ok := c.lastLocByIMEI.Get(key)
	if !ok {
		return nil, false
	}
	c.touch(key)
	return val.(*models.LastLocation), true
}

// LastLocationByDeviceID looks up a cached last location by deviceId; a
// miss returns false without loading.
func (c *VehicleCache) LastLocationByDeviceID(deviceID string) (*models.LastLocation, bool) {
	key := "device:" + deviceID
	val, ok := c.lastLocByDeviceID.Get(key)
	if !ok {
		return nil, false
	}
	c.touch(key)
	return val.(*models.LastLocation), true
}

// LookupByIMEI performs the component's read-through behavior: a cache
// hit returns immediately; a miss calls fallback (the repository),
// populates the cache with whatever it finds, and returns that.
func (c *VehicleCache) LookupByIMEI(ctx context.Context, imei string, fallback func(ctx context.Context, imei string) (*models.Vehicle, error)) (*models.Vehicle, error) {
	if v, ok := c.VehicleByIMEI(imei); ok {
		return v, nil
	}
	v, err := fallback(ctx, imei)
	if err != nil {
		return nil, err
	}
	if v != nil {
		c.PutVehicle(v)
	}
	return v, nil
}

// Invalidate clears every cache entry keyed to the given vehicle
// identifiers, as required whenever a vehicle mutation occurs.
func (c *VehicleCache) Invalidate(imei, vehicleID, deviceID string) {
	if imei != "" {
		c.vehicleByIMEI.Del("imei:" + imei)
		c.lastLocByIMEI.Del("imei:" + imei)
	}
	if vehicleID != "" {
		c.vehicleByID.Del("id:" + vehicleID)
	}
	if deviceID != "" {
		c.deviceToIMEI.Del("device:" + deviceID)
		c.lastLocByDeviceID.Del("device:" + deviceID)
	}
}

// maintenanceLoop runs the 5-minute tick that logs access stats and
// identifies the top-100 most recently accessed keys for prefetch.
func (c *VehicleCache) maintenanceLoop() {
	defer c.wg.Done()
	interval := c.cfg.MaintenanceTick
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.runMaintenance()
		}
	}
}

func (c *VehicleCache) runMaintenance() {
	top := c.topAccessed(100)
	c.logger.Info("vehicle cache maintenance tick",
		zap.Int("trackedKeys", c.accessCount()),
		zap.Int("topPrefetchCandidates", len(top)),
	)
	c.evictExpiredAccess()
}

func (c *VehicleCache) accessCount() int {
	c.accessMu.Lock()
	defer c.accessMu.Unlock()
	return len(c.access)
}

// topAccessed returns up to n keys ordered by most-recent access, the
// candidate set the maintenance tick would prefetch.
func (c *VehicleCache) topAccessed(n int) []string {
	c.accessMu.Lock()
	defer c.accessMu.Unlock()

	type kv struct {
		key string
		at  time.Time
	}
	entries := make([]kv, 0, len(c.access))
	for k, t := range c.access {
		entries = append(entries, kv{k, t})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.After(entries[j].at) })
	if len(entries) > n {
		entries = entries[:n]
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.key
	}
	return keys
}

func (c *VehicleCache) evictExpiredAccess() {
	c.accessMu.Lock()
	defer c.accessMu.Unlock()
	cutoff := time.Now().Add(-c.cfg.ExpireAfterAccess)
	for k, t := range c.access {
		if t.Before(cutoff) {
			delete(c.access, k)
		}
	}
}

// Close stops the maintenance loop and releases the underlying caches.
func (c *VehicleCache) Close() {
	close(c.stopCh)
	c.wg.Wait()
	c.vehicleByIMEI.Close()
	c.vehicleByID.Close()
	c.lastLocByDeviceID.Close()
	c.lastLocByIMEI.Close()
	c.deviceToIMEI.Close()
}
