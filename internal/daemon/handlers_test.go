package daemon

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/ariesdockerd/ariesdockerd/internal/errs"
	"github.com/ariesdockerd/ariesdockerd/internal/runtime"
	"github.com/ariesdockerd/ariesdockerd/internal/token"
	"github.com/ariesdockerd/ariesdockerd/internal/wire"
	"github.com/stretchr/testify/require"
)

// fakeRuntime is a minimal in-memory runtime.Runtime for exercising
// handlers without a real container backend.
type fakeRuntime struct {
	nextID int
	created map[string]runtime.ContainerSpec
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{created: map[string]runtime.ContainerSpec{}}
}

func (f *fakeRuntime) Create(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	f.nextID++
	id := "c" + string(rune('0'+f.nextID))
	f.created[id] = spec
	return id, nil
}
func (f *fakeRuntime) Start(ctx context.Context, shortID string) error { return nil }
func (f *fakeRuntime) Stop(ctx context.Context, shortID string, timeout time.Duration) error {
	return nil
}
func (f *fakeRuntime) Kill(ctx context.Context, shortID string) error   { return nil }
func (f *fakeRuntime) Remove(ctx context.Context, shortID string, force bool) error { return nil }
func (f *fakeRuntime) List(ctx context.Context, all bool) ([]runtime.Summary, error) {
	return nil, nil
}
func (f *fakeRuntime) Logs(ctx context.Context, shortID string, maxBytes int64) ([]byte, error) {
	return []byte("log output"), nil
}
func (f *fakeRuntime) FollowLogs(ctx context.Context, shortID string) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}
func (f *fakeRuntime) Pids(ctx context.Context, shortID string) ([]int, error) { return nil, nil }
func (f *fakeRuntime) Prune(ctx context.Context) error                         { return nil }

func newTestCore(totalGpus int) *Core {
	signer := NewLabelSigner(token.NewIssuer("shh"))
	return NewCore("node-a", newFakeRuntime(), signer, totalGpus, nil, nil)
}

func TestNodeInfoHandler_ReportsFreeGpus(t *testing.T) {
	c := newTestCore(4)
	h := nodeInfoHandler(c)

	out, respond, err := h(context.Background(), nil, wire.Frame{})
	require.NoError(t, err)
	require.True(t, respond)
	m := out.(map[string]any)
	require.Equal(t, []int{0, 1, 2, 3}, m["free_gpu_ids"])
}

func TestRunContainerHandler_RequiresNameAndImage(t *testing.T) {
	c := newTestCore(2)
	h := runContainerHandler(c)

	_, _, err := h(context.Background(), nil, wire.Frame{})
	require.Error(t, err)
	require.Equal(t, errs.BadRequestShape, errs.As(err).Code)
}

func TestRunContainerHandler_RejectsDuplicateName(t *testing.T) {
	c := newTestCore(2)
	c.put(&ContainerRecord{ShortID: "existing", Name: "job-0", Status: StatusRunning})
	h := runContainerHandler(c)

	f := wire.Request("t1", "run_container", map[string]any{"name": "job-0", "image": "img"})
	_, _, err := h(context.Background(), nil, f)
	require.Error(t, err)
	require.Equal(t, errs.ContainerExists, errs.As(err).Code)
}

func TestRunContainerHandler_RejectsBusyGpu(t *testing.T) {
	c := newTestCore(2)
	c.put(&ContainerRecord{ShortID: "existing", Name: "other", GpuIds: []int{0}, Status: StatusRunning})
	h := runContainerHandler(c)

	f := wire.Request("t1", "run_container", map[string]any{"name": "job-0", "image": "img", "gpu_ids": []int{0}})
	_, _, err := h(context.Background(), nil, f)
	require.Error(t, err)
	require.Equal(t, errs.Unschedulable, errs.As(err).Code)
}

func TestRunContainerHandler_CreatesAndBookkeeps(t *testing.T) {
	c := newTestCore(2)
	h := runContainerHandler(c)

	f := wire.Request("t1", "run_container", map[string]any{
		"name": "job-0", "image": "img", "gpu_ids": []int{0}, "user": "alice",
	})
	out, respond, err := h(context.Background(), nil, f)
	require.NoError(t, err)
	require.True(t, respond)
	m := out.(map[string]any)
	require.NotEmpty(t, m["short_id"])

	rec, ok := c.get(m["short_id"].(string))
	require.True(t, ok)
	require.Equal(t, "alice", rec.User)
	require.Equal(t, StatusRunning, rec.Status)
}

func TestStopContainerHandler_RejectsAlreadyFinalized(t *testing.T) {
	c := newTestCore(2)
	c.put(&ContainerRecord{ShortID: "c1", Name: "job-0", Status: StatusFinalized})
	h := stopContainerHandler(c)

	f := wire.Request("t1", "stop_container", map[string]any{"container": "c1"})
	_, _, err := h(context.Background(), nil, f)
	require.Error(t, err)
	require.Equal(t, errs.AlreadyStopped, errs.As(err).Code)
}

func TestStopContainerHandler_RequiresContainerArg(t *testing.T) {
	c := newTestCore(2)
	h := stopContainerHandler(c)

	_, _, err := h(context.Background(), nil, wire.Frame{})
	require.Error(t, err)
	require.Equal(t, errs.BadRequestShape, errs.As(err).Code)
}

func TestListContainersHandler_IncludesLiveAndFinalized(t *testing.T) {
	c := newTestCore(2)
	c.put(&ContainerRecord{ShortID: "live1", Name: "job-0", Status: StatusRunning})
	c.exitStore.Put("dead1", "job-1", "alice", nil)
	h := listContainersHandler(c)

	out, respond, err := h(context.Background(), nil, wire.Frame{})
	require.NoError(t, err)
	require.True(t, respond)
	m := out.(map[string]any)["containers"].(map[string]any)
	require.Contains(t, m, "live1")
	require.Contains(t, m, "dead1")
}

func TestRemoveContainerHandler_RequiresFinalized(t *testing.T) {
	c := newTestCore(2)
	h := removeContainerHandler(c)

	f := wire.Request("t1", "remove_container", map[string]any{"container": "nope"})
	_, _, err := h(context.Background(), nil, f)
	require.Error(t, err)
	require.Equal(t, errs.NotFinalized, errs.As(err).Code)
}
