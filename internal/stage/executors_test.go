package stage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/netopslab/fwupgrade/internal/deviceclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRecorder struct {
	mu        sync.Mutex
	logs      []string
	artifacts map[string][]byte
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{artifacts: make(map[string][]byte)}
}

func (f *fakeRecorder) AppendLog(ctx context.Context, jobID int64, ip, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, message)
	return nil
}

func (f *fakeRecorder) SaveBackupArtifact(ctx context.Context, jobID int64, ip, name string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts[name] = content
	return nil
}

// fakeDevice scripts the remote side of one upgrade. Inventory checks and
// version queries pop scripted answers so tests control how many polls a
// stage needs.
type fakeDevice struct {
	mu sync.Mutex

	inventories []inventoryAnswer
	versions    []versionAnswer

	downloadErr error
	installErr  error
	rebootErr   error
	muteErr     error
	unmuteErr   error
	cleanupErr  error

	configBlob []byte
	configErr  error
	stateBlob  []byte
	stateErr   error

	downloadedVersions []string
	installedVersions  []string
	cleanupKeeps       []string
	inventoryCalls     int
	versionCalls       int
}

type inventoryAnswer struct {
	inv *deviceclient.SoftwareInventory
	err error
}

type versionAnswer struct {
	version string
	err     error
}

func (f *fakeDevice) CheckSoftwareInventory(ctx context.Context) (*deviceclient.SoftwareInventory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inventoryCalls++
	if len(f.inventories) == 0 {
		return &deviceclient.SoftwareInventory{}, nil
	}
	ans := f.inventories[0]
	if len(f.inventories) > 1 {
		f.inventories = f.inventories[1:]
	}
	return ans.inv, ans.err
}

func (f *fakeDevice) DownloadVersion(ctx context.Context, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloadedVersions = append(f.downloadedVersions, version)
	return f.downloadErr
}

func (f *fakeDevice) InstallVersion(ctx context.Context, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installedVersions = append(f.installedVersions, version)
	return f.installErr
}

func (f *fakeDevice) Reboot(ctx context.Context) error { return f.rebootErr }

func (f *fakeDevice) CleanupOldImages(ctx context.Context, keepVersion string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanupKeeps = append(f.cleanupKeeps, keepVersion)
	return f.cleanupErr
}

func (f *fakeDevice) ExportConfiguration(ctx context.Context) ([]byte, error) {
	return f.configBlob, f.configErr
}

func (f *fakeDevice) ExportDeviceState(ctx context.Context) ([]byte, error) {
	return f.stateBlob, f.stateErr
}

func (f *fakeDevice) CurrentSoftwareVersion(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versionCalls++
	if len(f.versions) == 0 {
		return "", errors.New("no scripted version")
	}
	ans := f.versions[0]
	if len(f.versions) > 1 {
		f.versions = f.versions[1:]
	}
	return ans.version, ans.err
}

func (f *fakeDevice) MuteMonitoring(ctx context.Context) error   { return f.muteErr }
func (f *fakeDevice) UnmuteMonitoring(ctx context.Context) error { return f.unmuteErr }

func inventoryWith(version string, downloaded, installed bool) *deviceclient.SoftwareInventory {
	return &deviceclient.SoftwareInventory{
		Images: []deviceclient.SoftwareImage{
			{Version: version, Downloaded: downloaded, Installed: installed},
		},
	}
}

func testRegistry(rec Recorder, attempts int) *Registry {
	return NewRegistry(rec, PollConfig{
		Interval: time.Millisecond,
		Attempts: attempts,
	}, zap.NewNop())
}

var testJob = Job{
	JobID:          42,
	IPAddress:      "10.0.0.1",
	Name:           "fw-edge-01",
	TargetVersion:  "10.1.6",
	CurrentVersion: "10.1.3",
}

func TestRunNarratesStartAndCompletion(t *testing.T) {
	rec := newFakeRecorder()
	r := testRegistry(rec, 3)

	err := r.Run(context.Background(), &fakeDevice{}, StageSolarWindMute, testJob)
	require.NoError(t, err)

	require.Len(t, rec.logs, 2)
	assert.Equal(t, "stage solar_wind_mute started", rec.logs[0])
	assert.Equal(t, "stage solar_wind_mute completed", rec.logs[1])
}

func TestRunNarratesFailure(t *testing.T) {
	rec := newFakeRecorder()
	r := testRegistry(rec, 3)

	dev := &fakeDevice{muteErr: errors.New("monitor unreachable")}
	err := r.Run(context.Background(), dev, StageSolarWindMute, testJob)
	require.Error(t, err)

	require.Len(t, rec.logs, 2)
	assert.Equal(t, "stage solar_wind_mute started", rec.logs[0])
	assert.Contains(t, rec.logs[1], "stage solar_wind_mute failed")
	assert.Contains(t, rec.logs[1], "monitor unreachable")
}

func TestRunUnknownStage(t *testing.T) {
	r := testRegistry(newFakeRecorder(), 3)
	err := r.Run(context.Background(), &fakeDevice{}, Stage("bogus"), testJob)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no executor")
}

func TestBackupStoresBothExports(t *testing.T) {
	rec := newFakeRecorder()
	r := testRegistry(rec, 3)

	dev := &fakeDevice{
		configBlob: []byte("<config/>"),
		stateBlob:  []byte("tgz-bytes"),
	}
	require.NoError(t, r.Run(context.Background(), dev, StageBackup, testJob))

	assert.Equal(t, []byte("<config/>"), rec.artifacts["running-config.xml"])
	assert.Equal(t, []byte("tgz-bytes"), rec.artifacts["device-state.tgz"])
}

func TestBackupFailsWhenExportFails(t *testing.T) {
	rec := newFakeRecorder()
	r := testRegistry(rec, 3)

	dev := &fakeDevice{configErr: errors.New("export timed out")}
	err := r.Run(context.Background(), dev, StageBackup, testJob)
	require.Error(t, err)
	assert.Empty(t, rec.artifacts)
}

func TestCleanupSparesTargetImage(t *testing.T) {
	rec := newFakeRecorder()
	r := testRegistry(rec, 3)

	dev := &fakeDevice{}
	require.NoError(t, r.Run(context.Background(), dev, StageCleanup, testJob))

	assert.Equal(t, []string{testJob.TargetVersion}, dev.cleanupKeeps)
}

func TestDownloadPollsUntilImageArrives(t *testing.T) {
	rec := newFakeRecorder()
	r := testRegistry(rec, 5)

	dev := &fakeDevice{
		inventories: []inventoryAnswer{
			{inv: inventoryWith("10.1.6", false, false)},
			{inv: inventoryWith("10.1.6", false, false)},
			{inv: inventoryWith("10.1.6", true, false)},
		},
	}

	require.NoError(t, r.Run(context.Background(), dev, StageDownload, testJob))
	assert.Equal(t, []string{"10.1.6"}, dev.downloadedVersions)
	assert.Equal(t, 3, dev.inventoryCalls)
}

func TestDownloadGivesUpAfterAttemptBudget(t *testing.T) {
	rec := newFakeRecorder()
	r := testRegistry(rec, 4)

	dev := &fakeDevice{
		inventories: []inventoryAnswer{
			{inv: inventoryWith("10.1.6", false, false)},
		},
	}

	err := r.Run(context.Background(), dev, StageDownload, testJob)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gave up waiting for download of 10.1.6 after 4 attempts")
	assert.Equal(t, 4, dev.inventoryCalls)
}

func TestDownloadCountsTransportErrorsAsAttempts(t *testing.T) {
	rec := newFakeRecorder()
	r := testRegistry(rec, 3)

	dev := &fakeDevice{
		inventories: []inventoryAnswer{
			{err: errors.New("connection refused")},
		},
	}

	err := r.Run(context.Background(), dev, StageDownload, testJob)
	require.Error(t, err)
	assert.Equal(t, 3, dev.inventoryCalls)
}

func TestInstallPollsInstalledFlag(t *testing.T) {
	rec := newFakeRecorder()
	r := testRegistry(rec, 5)

	dev := &fakeDevice{
		inventories: []inventoryAnswer{
			{inv: inventoryWith("10.1.6", true, false)},
			{inv: inventoryWith("10.1.6", true, true)},
		},
	}

	require.NoError(t, r.Run(context.Background(), dev, StageInstall, testJob))
	assert.Equal(t, []string{"10.1.6"}, dev.installedVersions)
}

func TestRebootWaitsThroughOutage(t *testing.T) {
	rec := newFakeRecorder()
	r := testRegistry(rec, 5)

	// The device disappears for two polls while booting, then answers with
	// the old version once, then with the target.
	dev := &fakeDevice{
		versions: []versionAnswer{
			{err: errors.New("connection reset")},
			{err: errors.New("connection reset")},
			{version: "10.1.3"},
			{version: "10.1.6"},
		},
	}

	require.NoError(t, r.Run(context.Background(), dev, StageReboot, testJob))
	assert.Equal(t, 4, dev.versionCalls)
}

func TestLoginRejectsWrongVersion(t *testing.T) {
	rec := newFakeRecorder()
	r := testRegistry(rec, 3)

	dev := &fakeDevice{versions: []versionAnswer{{version: "10.1.3"}}}
	err := r.Run(context.Background(), dev, StageLogin, testJob)
	require.Error(t, err)
	assert.ErrorIs(t, err, deviceclient.ErrUnexpectedState)
}

func TestUpdatedNarratesFinalVersion(t *testing.T) {
	rec := newFakeRecorder()
	r := testRegistry(rec, 3)

	dev := &fakeDevice{versions: []versionAnswer{{version: "10.1.6"}}}
	require.NoError(t, r.Run(context.Background(), dev, StageUpdated, testJob))

	assert.Contains(t, rec.logs, fmt.Sprintf("device updated to %s", "10.1.6"))
}

func TestPollRespectsContextCancellation(t *testing.T) {
	rec := newFakeRecorder()
	r := NewRegistry(rec, PollConfig{Interval: time.Hour, Attempts: 5}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	dev := &fakeDevice{
		inventories: []inventoryAnswer{
			{inv: inventoryWith("10.1.6", false, false)},
		},
	}

	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, dev, StageDownload, testJob)
	}()

	cancel()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("poll did not observe cancellation")
	}
}
