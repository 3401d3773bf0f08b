package narrato

import "testing"

func TestParseExtractOptions(t *testing.T) {
	opts, err := parseExtractOptions([]string{
		"demo.mp4",
		"--subtitle", "demo.srt",
		"--interval_seconds=3",
		"--max_frames", "5",
		"--json",
	})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if opts.VideoPath != "demo.mp4" || opts.SubtitlePath != "demo.srt" {
		t.Fatalf("unexpected paths: %+v", opts)
	}
	if !opts.IntervalSet || opts.IntervalSeconds != 3 {
		t.Fatalf("interval not parsed: %+v", opts)
	}
	if opts.MaxFrames != 5 || !opts.JSON {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if opts.MaxWorkers != defaultMaxExtractWorkers {
		t.Fatalf("unexpected default workers: %d", opts.MaxWorkers)
	}
}

func TestParseExtractOptionsErrors(t *testing.T) {
	cases := [][]string{
		{},
		{"demo.mp4"},
		{"--subtitle", "demo.srt"},
		{"demo.mp4", "--subtitle"},
		{"demo.mp4", "--subtitle", "a.srt", "--interval_seconds", "不是数字"},
		{"demo.mp4", "--subtitle", "a.srt", "--未知参数"},
		{"demo.mp4", "b.mp4", "--subtitle", "a.srt"},
	}
	for _, args := range cases {
		if _, err := parseExtractOptions(args); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}

func TestParseScriptOptions(t *testing.T) {
	opts, err := parseScriptOptions([]string{
		"demo.mp4",
		"--subtitle=demo.srt",
		"--profile", "documentary",
		"--config", "narrato.yaml",
		"--output_dir=out",
	})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if opts.Profile != "documentary" || opts.ConfigPath != "narrato.yaml" || opts.OutputDir != "out" {
		t.Fatalf("unexpected options: %+v", opts)
	}
}

func TestParseScriptOptionsErrors(t *testing.T) {
	if _, err := parseScriptOptions([]string{"demo.mp4"}); err == nil {
		t.Fatal("expected error without subtitle")
	}
	if _, err := parseScriptOptions([]string{"--subtitle", "a.srt"}); err == nil {
		t.Fatal("expected error without video path")
	}
}

func TestMainDispatch(t *testing.T) {
	if code := Main([]string{"narrato"}); code != exitFailed {
		t.Fatalf("bare invocation should fail, got %d", code)
	}
	if code := Main([]string{"narrato", "--help"}); code != exitOK {
		t.Fatalf("help should exit 0, got %d", code)
	}
	if code := Main([]string{"narrato", "version"}); code != exitOK {
		t.Fatalf("version should exit 0, got %d", code)
	}
	if code := Main([]string{"narrato", "未知命令"}); code != exitFailed {
		t.Fatalf("unknown command should fail, got %d", code)
	}
	if code := Main([]string{"narrato", "extract"}); code != exitFailed {
		t.Fatalf("extract without args should fail, got %d", code)
	}
}
