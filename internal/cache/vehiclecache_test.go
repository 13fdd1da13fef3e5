package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleettrack/ingestion-core/internal/config"
	"github.com/fleettrack/ingestion-core/internal/models"
)

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		MaxSize:           1000,
		ExpireAfterWrite:  time.Hour,
		ExpireAfterAccess: 30 * time.Minute,
		LocationExpiry:    10 * time.Minute,
		MaintenanceTick:   time.Hour,
	}
}

func TestVehicleCache_PutAndGetByIMEI(t *testing.T) {
	c, err := New(testCacheConfig(), zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	v := &models.Vehicle{IMEI: "123456789012345", VehicleID: "veh-1", DeviceID: "dev-1"}
	c.PutVehicle(v)
	c.vehicleByIMEI.Wait()
	c.deviceToIMEI.Wait()

	got, ok := c.VehicleByIMEI("123456789012345")
	require.True(t, ok, "expected vehicle to be cached by imei")
	require.Equal(t, "veh-1", got.VehicleID)

	imei, ok := c.IMEIForDevice("dev-1")
	require.True(t, ok)
	require.Equal(t, "123456789012345", imei)
}

func TestVehicleCache_PutAndGetLastLocation(t *testing.T) {
	c, err := New(testCacheConfig(), zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	loc := &models.LastLocation{IMEI: "123456789012345", DeviceID: "dev-1", Latitude: 1, Longitude: 2}
	c.PutLastLocation(loc)
	c.lastLocByIMEI.Wait()
	c.lastLocByDeviceID.Wait()

	gotByIMEI, ok := c.LastLocationByIMEI("123456789012345")
	require.True(t, ok)
	require.Equal(t, float64(1), gotByIMEI.Latitude)

	gotByDevice, ok := c.LastLocationByDeviceID("dev-1")
	require.True(t, ok)
	require.Equal(t, float64(2), gotByDevice.Longitude)
}

func TestVehicleCache_Invalidate(t *testing.T) {
	c, err := New(testCacheConfig(), zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	v := &models.Vehicle{IMEI: "123456789012345", VehicleID: "veh-1", DeviceID: "dev-1"}
	c.PutVehicle(v)
	c.vehicleByIMEI.Wait()

	c.Invalidate("123456789012345", "veh-1", "dev-1")

	_, ok := c.VehicleByIMEI("123456789012345")
	require.False(t, ok, "expected vehicle-by-imei entry to be invalidated")

	_, ok = c.IMEIForDevice("dev-1")
	require.False(t, ok, "expected deviceId->imei entry to be invalidated")
}

func TestVehicleCache_TopAccessedTracksRecency(t *testing.T) {
	c, err := New(testCacheConfig(), zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	v := &models.Vehicle{IMEI: "123456789012345", VehicleID: "veh-1", DeviceID: "dev-1"}
	c.PutVehicle(v)
	c.vehicleByIMEI.Wait()
	c.VehicleByIMEI("123456789012345")

	top := c.topAccessed(10)
	require.NotEmpty(t, top, "expected at least one tracked access key")
}
