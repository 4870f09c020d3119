package slave

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/common/models"
	"github.com/toxicbuild/master/master/instance"
	"github.com/toxicbuild/master/master/notify"
	"github.com/toxicbuild/master/master/services/lock"
	"github.com/toxicbuild/master/master/store/storetest"
)

func newTestService(t *testing.T, stores *storetest.Stores, registry instance.Registry) *Service {
	return NewService(
		stores.DB, stores.Slaves, stores.Builds, stores.Builders,
		lock.NewNamedLock(), notify.NewService(logger.NoOpLogFactory), registry,
		Config{
			WaitServiceStartRetries:  3,
			WaitServiceStartInterval: 10 * time.Millisecond,
			DialTimeout:              time.Second,
		},
		logger.NoOpLogFactory)
}

func createBuildFixture(t *testing.T, stores *storetest.Stores) (*models.Repo, *models.Slave, *models.Build) {
	repo := stores.CreateRepo(t, "project-x", nil)
	slave := stores.CreateSlave(t, "slave-1", nil)
	builder := stores.CreateBuilder(t, repo, "unit-tests", 0)
	buildSet := stores.CreateBuildSet(t, repo, 1, "main")
	build := stores.CreateBuild(t, buildSet, builder, 1, func(b *models.Build) {
		b.SlaveID = slave.ID
	})
	return repo, slave, build
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	stores := storetest.NewStores(t)
	svc := newTestService(t, stores, nil)
	ctx := context.Background()

	_, slave, build := createBuildFixture(t, stores)

	added, err := svc.EnqueueBuild(ctx, slave.ID, build.ID)
	require.NoError(t, err)
	assert.True(t, added)

	// second enqueue is a no-op
	added, err = svc.EnqueueBuild(ctx, slave.ID, build.ID)
	require.NoError(t, err)
	assert.False(t, added)

	loaded, err := stores.Slaves.Read(ctx, nil, slave.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.QueueCount)
	assert.Len(t, loaded.EnqueuedBuilds, 1)

	require.NoError(t, svc.DequeueBuild(ctx, slave.ID, build.ID))

	loaded, err = stores.Slaves.Read(ctx, nil, slave.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.QueueCount)
	assert.Empty(t, loaded.EnqueuedBuilds)
}

func TestProcessStepInfoCreatesThenMerges(t *testing.T) {
	stores := storetest.NewStores(t)
	svc := newTestService(t, stores, nil)
	ctx := context.Background()

	_, _, build := createBuildFixture(t, stores)
	stepID := models.NewBuildStepID()

	err := svc.processStepInfo(ctx, build.ID, map[string]interface{}{
		"uuid":   stepID.UUID().String(),
		"name":   "compile",
		"cmd":    "make",
		"status": "running",
		"output": "",
		"index":  float64(0),
	})
	require.NoError(t, err)

	err = svc.processStepInfo(ctx, build.ID, map[string]interface{}{
		"uuid":       stepID.UUID().String(),
		"status":     "success",
		"output":     "all good\n",
		"index":      float64(0),
		"total_time": float64(3),
	})
	require.NoError(t, err)

	loaded, err := stores.Builds.Read(ctx, nil, build.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Steps, 1)
	step := loaded.Steps[0]
	assert.Equal(t, models.StatusSuccess, step.Status)
	assert.Equal(t, "make", step.Command)
	assert.Equal(t, "all good\n", step.Output)
	require.NotNil(t, step.TotalTime)
	assert.Equal(t, 3, *step.TotalTime)
}

// TestStepOutputOrdering covers the fragment sequencing rule: fragments are applied in
// strictly increasing sequence order and retransmits are dropped.
func TestStepOutputOrdering(t *testing.T) {
	stores := storetest.NewStores(t)
	svc := newTestService(t, stores, nil)
	ctx := context.Background()

	_, _, build := createBuildFixture(t, stores)
	stepID := models.NewBuildStepID()

	require.NoError(t, svc.processStepInfo(ctx, build.ID, map[string]interface{}{
		"uuid":   stepID.UUID().String(),
		"name":   "compile",
		"cmd":    "make",
		"status": "running",
		"index":  float64(0),
	}))

	fragment := func(seq int, chunk string) error {
		return svc.processStepOutputInfo(ctx, build.ID, map[string]interface{}{
			"uuid":     stepID.UUID().String(),
			"output":   chunk,
			"sequence": float64(seq),
		})
	}

	require.NoError(t, fragment(1, "chunk1"))
	require.NoError(t, fragment(2, "chunk2"))
	// retransmit of chunk1 arrives after chunk2: dropped
	require.NoError(t, fragment(1, "chunk1"))

	loaded, err := stores.Builds.Read(ctx, nil, build.ID)
	require.NoError(t, err)
	step := loaded.FindStep(stepID)
	require.NotNil(t, step)
	assert.Equal(t, "chunk1chunk2", step.Output)
}

func TestStepOutputForUnknownStepFails(t *testing.T) {
	stores := storetest.NewStores(t)
	svc := newTestService(t, stores, nil)
	ctx := context.Background()

	_, _, build := createBuildFixture(t, stores)

	err := svc.processStepOutputInfo(ctx, build.ID, map[string]interface{}{
		"uuid":     models.NewBuildStepID().UUID().String(),
		"output":   "orphan",
		"sequence": float64(1),
	})
	require.Error(t, err)
}

// fakeProvider is an in-memory instance.Provider recording lifecycle calls.
type fakeProvider struct {
	mu      sync.Mutex
	running bool
	ip      string
	starts  int
	stops   int
}

func (f *fakeProvider) IsRunning(ctx context.Context, confs models.InstanceConfs) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeProvider) GetIP(ctx context.Context, confs models.InstanceConfs) (string, error) {
	return f.ip, nil
}

func (f *fakeProvider) Start(ctx context.Context, confs models.InstanceConfs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	f.starts++
	return nil
}

func (f *fakeProvider) Stop(ctx context.Context, confs models.InstanceConfs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stops++
	return nil
}

// healthcheckListener answers healthcheck requests the way a freshly booted slave daemon would.
func healthcheckListener(t *testing.T) (ip string, port int, stop func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				scanner := bufio.NewScanner(conn)
				if scanner.Scan() {
					conn.Write([]byte(`{"body":{"ok":true}}` + "\n"))
				}
			}(conn)
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port, func() { ln.Close() }
}

// TestStartInstanceResolvesDynamicHost covers the on-demand bring-up: instance started, host
// updated from the dynamic sentinel to the discovered ip, healthcheck passed.
func TestStartInstanceResolvesDynamicHost(t *testing.T) {
	stores := storetest.NewStores(t)
	ip, port, stopListener := healthcheckListener(t)
	defer stopListener()

	provider := &fakeProvider{ip: ip}
	svc := newTestService(t, stores, instance.Registry{models.InstanceTypeEC2: provider})
	ctx := context.Background()

	slave := stores.CreateSlave(t, "ondemand-1", func(s *models.Slave) {
		s.Host = models.DynamicHost
		s.Port = port
		s.OnDemand = true
		s.InstanceType = models.InstanceTypeEC2
		s.InstanceConfs = models.InstanceConfs{"instance_id": "i-1", "region": "us-east-2"}
	})

	host, engaged, err := svc.startInstanceLocked(ctx, slave)
	require.NoError(t, err)
	assert.True(t, engaged)
	assert.Equal(t, ip, host)
	assert.Equal(t, 1, provider.starts)

	loaded, err := stores.Slaves.Read(ctx, nil, slave.ID)
	require.NoError(t, err)
	assert.Equal(t, ip, loaded.Host)
}

func TestStopInstanceRefusesWhileBusy(t *testing.T) {
	stores := storetest.NewStores(t)
	provider := &fakeProvider{running: true}
	svc := newTestService(t, stores, instance.Registry{models.InstanceTypeEC2: provider})
	ctx := context.Background()

	slave := stores.CreateSlave(t, "ondemand-1", func(s *models.Slave) {
		s.OnDemand = true
		s.InstanceType = models.InstanceTypeEC2
		s.QueueCount = 1
		s.EnqueuedBuilds = models.BuildIDs{models.NewBuildID()}
	})

	stopped, err := svc.StopInstance(ctx, slave.ID)
	require.NoError(t, err)
	assert.False(t, stopped)
	assert.Equal(t, 0, provider.stops)
}

func TestStopInstanceStopsIdleSlave(t *testing.T) {
	stores := storetest.NewStores(t)
	provider := &fakeProvider{running: true}
	svc := newTestService(t, stores, instance.Registry{models.InstanceTypeEC2: provider})
	ctx := context.Background()

	slave := stores.CreateSlave(t, "ondemand-1", func(s *models.Slave) {
		s.OnDemand = true
		s.InstanceType = models.InstanceTypeEC2
	})

	stopped, err := svc.StopInstance(ctx, slave.ID)
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Equal(t, 1, provider.stops)
}

func TestStopInstanceIgnoresPermanentSlaves(t *testing.T) {
	stores := storetest.NewStores(t)
	svc := newTestService(t, stores, nil)

	slave := stores.CreateSlave(t, "slave-1", nil)
	stopped, err := svc.StopInstance(context.Background(), slave.ID)
	require.NoError(t, err)
	assert.False(t, stopped)
}

// streamingSlave accepts one build request and streams the configured frames back.
func streamingSlave(t *testing.T, frames []map[string]interface{}) (host string, port int, stop func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		if !scanner.Scan() {
			return
		}
		w := bufio.NewWriter(conn)
		for _, body := range frames {
			data, _ := json.Marshal(map[string]interface{}{"body": body})
			w.Write(append(data, '\n'))
		}
		w.WriteString("\n")
		w.Flush()
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port, func() { ln.Close() }
}

// TestRunBuildAppliesStreamedFrames drives a full build session against a fake slave daemon:
// build transitions to running then success, steps and output land in the store.
func TestRunBuildAppliesStreamedFrames(t *testing.T) {
	stores := storetest.NewStores(t)
	stepID := models.NewBuildStepID()

	started := models.FormatWireTime(models.NewTime(time.Now().Add(-10 * time.Second)))
	finished := models.FormatWireTime(models.NewTime(time.Now()))
	frames := []map[string]interface{}{
		{"info_type": "build_info", "status": "running", "started": started},
		{"info_type": "step_info", "uuid": stepID.UUID().String(), "name": "compile", "cmd": "make",
			"status": "running", "index": float64(0), "started": started},
		{"info_type": "step_output_info", "uuid": stepID.UUID().String(), "output": "hello ", "sequence": float64(1)},
		{"info_type": "step_output_info", "uuid": stepID.UUID().String(), "output": "world\n", "sequence": float64(2)},
		{"info_type": "step_info", "uuid": stepID.UUID().String(), "status": "success",
			"index": float64(0), "finished": finished, "total_time": float64(10)},
		{"info_type": "build_info", "status": "success", "finished": finished, "total_time": float64(10)},
	}
	host, port, stopSlave := streamingSlave(t, frames)
	defer stopSlave()

	svc := newTestService(t, stores, nil)
	ctx := context.Background()

	repo := stores.CreateRepo(t, "project-x", nil)
	slave := stores.CreateSlave(t, "slave-1", func(s *models.Slave) {
		s.Host = host
		s.Port = port
	})
	builder := stores.CreateBuilder(t, repo, "unit-tests", 0)
	buildSet := stores.CreateBuildSet(t, repo, 1, "main")
	build := stores.CreateBuild(t, buildSet, builder, 1, func(b *models.Build) {
		b.SlaveID = slave.ID
	})

	ok, err := svc.RunBuild(ctx, slave.ID, build, repo, map[string]string{"CI": "true"})
	require.NoError(t, err)
	assert.True(t, ok)

	loaded, err := stores.Builds.Read(ctx, nil, build.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, loaded.Status)
	require.NotNil(t, loaded.StartedAt)
	require.NotNil(t, loaded.FinishedAt)
	require.NotNil(t, loaded.TotalTime)
	assert.Equal(t, 10, *loaded.TotalTime)

	step := loaded.FindStep(stepID)
	require.NotNil(t, step)
	assert.Equal(t, models.StatusSuccess, step.Status)
	assert.Equal(t, "hello world\n", step.Output)

	// the slave's running-repo accounting is cleaned up after the session
	loadedSlave, err := stores.Slaves.Read(ctx, nil, slave.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, loadedSlave.RunningCount)
}

func TestRunBuildInstanceStartFailureBecomesException(t *testing.T) {
	stores := storetest.NewStores(t)
	// no provider registered for ec2: startInstanceLocked fails
	svc := newTestService(t, stores, instance.Registry{})
	ctx := context.Background()

	repo := stores.CreateRepo(t, "project-x", nil)
	slave := stores.CreateSlave(t, "ondemand-1", func(s *models.Slave) {
		s.Host = models.DynamicHost
		s.OnDemand = true
		s.InstanceType = models.InstanceTypeEC2
	})
	builder := stores.CreateBuilder(t, repo, "unit-tests", 0)
	buildSet := stores.CreateBuildSet(t, repo, 1, "main")
	build := stores.CreateBuild(t, buildSet, builder, 1, func(b *models.Build) {
		b.SlaveID = slave.ID
	})

	ok, err := svc.RunBuild(ctx, slave.ID, build, repo, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	loaded, err := stores.Builds.Read(ctx, nil, build.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusException, loaded.Status)
	require.Len(t, loaded.Steps, 1)
	assert.Equal(t, models.StatusException, loaded.Steps[0].Status)
}
