package narrato

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeFrameExtractor 按时间点决定成败，成功时落一个占位文件。
type fakeFrameExtractor struct {
	mu      sync.Mutex
	failAt  map[float64]bool
	calls   int
	maxSeen int
	active  int
}

func (f *fakeFrameExtractor) extractFrame(ctx context.Context, videoPath string, seconds float64, outputPath string) bool {
	f.mu.Lock()
	f.calls++
	f.active++
	if f.active > f.maxSeen {
		f.maxSeen = f.active
	}
	fail := f.failAt[seconds]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if fail {
		return false
	}
	return os.WriteFile(outputPath, []byte("jpg"), 0o644) == nil
}

func TestKeyframeFileName(t *testing.T) {
	got := keyframeFileName(0, 0, 65.5)
	if got != "segment_1_keyframe_1_000105500.jpg" {
		t.Fatalf("unexpected name: %s", got)
	}
	got = keyframeFileName(11, 2, 3661.042)
	if got != "segment_12_keyframe_3_010101042.jpg" {
		t.Fatalf("unexpected name: %s", got)
	}
}

func TestBuildExtractionTasks(t *testing.T) {
	segments := []subtitleSegment{
		{Index: 0, StartMs: 0, EndMs: 10000},
		{Index: 1, StartMs: 12000, EndMs: 13000},
	}
	params := samplingParams{Mode: samplingModeInterval, IntervalSeconds: 3, MaxFrames: 10}
	tasks := buildExtractionTasks(segments, params, "/tmp/out")
	if len(tasks) != 2 {
		t.Fatalf("expected tasks for 2 segments, got %d", len(tasks))
	}
	if len(tasks[0]) != 4 {
		t.Fatalf("expected 4 frames for first segment, got %d", len(tasks[0]))
	}
	first := tasks[0][0]
	if first.SegmentIndex != 0 || first.FrameIndex != 0 || first.Seconds != 0 {
		t.Fatalf("unexpected first task: %+v", first)
	}
	if filepath.Base(first.OutputPath) != "segment_1_keyframe_1_000000000.jpg" {
		t.Fatalf("unexpected output path: %s", first.OutputPath)
	}
}

func TestExtractKeyframeBatchPartialFailure(t *testing.T) {
	dir := t.TempDir()
	fake := &fakeFrameExtractor{failAt: map[float64]bool{3: true, 9: true}}
	var tasks []extractionTask
	for i, sec := range []float64{0, 3, 6, 9} {
		tasks = append(tasks, extractionTask{
			SegmentIndex: 0,
			FrameIndex:   i,
			Seconds:      sec,
			OutputPath:   filepath.Join(dir, keyframeFileName(0, i, sec)),
		})
	}

	var progressCalls atomic.Int64
	result := extractKeyframeBatch(context.Background(), fake, "demo.mp4", tasks, 2, func(done, total int) {
		progressCalls.Add(1)
		if total != 4 {
			t.Errorf("expected total 4, got %d", total)
		}
	})

	if result.Total != 4 || result.Succeeded != 2 || result.Failed != 2 {
		t.Fatalf("unexpected batch result: %+v", result)
	}
	if fake.calls != 4 {
		t.Fatalf("expected 4 calls, got %d", fake.calls)
	}
	if fake.maxSeen > 2 {
		t.Fatalf("worker pool exceeded limit: %d", fake.maxSeen)
	}
	if progressCalls.Load() != 4 {
		t.Fatalf("expected 4 progress callbacks, got %d", progressCalls.Load())
	}
}

func TestExtractKeyframeBatchCancelled(t *testing.T) {
	dir := t.TempDir()
	fake := &fakeFrameExtractor{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tasks := []extractionTask{{OutputPath: filepath.Join(dir, keyframeFileName(0, 0, 1))}}
	result := extractKeyframeBatch(ctx, fake, "demo.mp4", tasks, 1, nil)
	if result.Succeeded != 0 {
		t.Fatalf("expected no success after cancellation, got %+v", result)
	}
}

func TestRescanKeyframes(t *testing.T) {
	dir := t.TempDir()
	// 时间顺序故意打乱写入，重扫后必须按时间排序
	for _, name := range []string{
		"segment_1_keyframe_2_000003000.jpg",
		"segment_1_keyframe_1_000000000.jpg",
		"segment_2_keyframe_1_000012500.jpg",
		"segment_9_keyframe_1_000050000.jpg",
		"cover.png",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("写入测试文件失败: %v", err)
		}
	}

	frames, total, err := rescanKeyframes(dir, 2)
	if err != nil {
		t.Fatalf("重扫失败: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 frames in range, got %d", total)
	}
	want := []string{
		filepath.Join(dir, "segment_1_keyframe_1_000000000.jpg"),
		filepath.Join(dir, "segment_1_keyframe_2_000003000.jpg"),
	}
	if !reflect.DeepEqual(frames[0], want) {
		t.Fatalf("unexpected frames for segment 0: %v", frames[0])
	}
	if len(frames[1]) != 1 {
		t.Fatalf("expected 1 frame for segment 1, got %d", len(frames[1]))
	}
	if _, ok := frames[8]; ok {
		t.Fatal("out-of-range segment must be dropped")
	}
}
