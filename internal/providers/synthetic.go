package providers

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"strconv"
	"strings"
	"time"

	"mediajobs/internal/domain"
)

// ParamSimulateFailure makes the synthetic providers fail with the given message.
const ParamSimulateFailure = "simulateFailure"

// SyntheticImage renders small placeholder PNGs inline and resolves in Submit.
type SyntheticImage struct {
	Latency time.Duration
	Size    int
}

func NewSyntheticImage(latency time.Duration) *SyntheticImage {
	return &SyntheticImage{Latency: latency, Size: 64}
}

func (s *SyntheticImage) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	if err := sleep(ctx, s.Latency); err != nil {
		return Submission{}, err
	}
	if msg := paramString(req.Parameters, ParamSimulateFailure); msg != "" {
		return Submission{}, fmt.Errorf("synthetic-image: %s", msg)
	}

	quantity := paramInt(req.Parameters, "quantity", 1)
	if quantity < 1 {
		quantity = 1
	}
	if quantity > 4 {
		quantity = 4
	}
	size := s.Size
	if size <= 0 {
		size = 64
	}

	outputs := make([]domain.OutputDescriptor, 0, quantity)
	for i := 0; i < quantity; i++ {
		data, err := placeholderPNG(req.Prompt, i, size)
		if err != nil {
			return Submission{}, fmt.Errorf("synthetic-image: render: %w", err)
		}
		outputs = append(outputs, domain.OutputDescriptor{
			URL:    fmt.Sprintf("https://cdn.example.com/synthetic-image/%s/%d.png", req.JobID, i+1),
			MIME:   "image/png",
			Kind:   domain.OutputKindImage,
			Width:  size,
			Height: size,
			Data:   data,
		})
	}
	return Submission{
		ProviderJobID: "img-" + req.JobID,
		Result:        &domain.ProviderResult{State: domain.ResultSucceeded, Outputs: outputs},
	}, nil
}

// SyntheticVideo accepts jobs immediately and reports them ready after Delay.
// The handle encodes the ready time so any process can answer Poll.
type SyntheticVideo struct {
	Delay time.Duration
	Now   func() time.Time
}

func NewSyntheticVideo(delay time.Duration) *SyntheticVideo {
	return &SyntheticVideo{Delay: delay, Now: time.Now}
}

func (s *SyntheticVideo) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	if err := ctx.Err(); err != nil {
		return Submission{}, err
	}
	readyAt := s.now().Add(s.Delay).UnixMilli()
	handle := fmt.Sprintf("%s.%d", req.JobID, readyAt)
	if msg := paramString(req.Parameters, ParamSimulateFailure); msg != "" {
		handle += ".fail"
	}
	return Submission{ProviderJobID: handle}, nil
}

func (s *SyntheticVideo) Poll(ctx context.Context, providerJobID string) (domain.ProviderResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ProviderResult{}, err
	}
	parts := strings.Split(providerJobID, ".")
	if len(parts) < 2 {
		return domain.ProviderResult{}, fmt.Errorf("synthetic-video: malformed handle %q", providerJobID)
	}
	readyAt, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return domain.ProviderResult{}, fmt.Errorf("synthetic-video: malformed handle %q", providerJobID)
	}
	if s.now().UnixMilli() < readyAt {
		return domain.ProviderResult{State: domain.ResultPending}, nil
	}
	if len(parts) > 2 && parts[2] == "fail" {
		return domain.Failure("synthetic-video: render failed"), nil
	}

	duration := 16.0
	return domain.ProviderResult{
		State: domain.ResultSucceeded,
		Outputs: []domain.OutputDescriptor{{
			URL:             fmt.Sprintf("https://cdn.example.com/synthetic-video/%s.mp4", parts[0]),
			MIME:            "video/mp4",
			Kind:            domain.OutputKindVideo,
			Width:           1280,
			Height:          720,
			DurationSeconds: &duration,
		}},
	}, nil
}

func (s *SyntheticVideo) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func placeholderPNG(prompt string, index, size int) ([]byte, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	_, _ = h.Write([]byte{byte(index)})
	sum := h.Sum32()
	fill := color.RGBA{R: uint8(sum), G: uint8(sum >> 8), B: uint8(sum >> 16), A: 0xff}

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func paramString(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func paramInt(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return fallback
}

var (
	_ Backend = (*SyntheticImage)(nil)
	_ Backend = (*SyntheticVideo)(nil)
	_ Poller  = (*SyntheticVideo)(nil)
)
