package core

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"image-gateway/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

// scriptedUpstream 按脚本依次返回结果，并记录每次使用的凭证
type scriptedUpstream struct {
	mu       sync.Mutex
	script   []scriptStep
	calls    []string
	fallback scriptStep
}

type scriptStep struct {
	result *models.UpstreamResult
	err    error
}

func (s *scriptedUpstream) call(_ context.Context, credential string, _ *models.UpstreamRequest) (*models.UpstreamResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, credential)
	step := s.fallback
	if len(s.script) > 0 {
		step = s.script[0]
		s.script = s.script[1:]
	}
	return step.result, step.err
}

func (s *scriptedUpstream) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func okStep(text string) scriptStep {
	return scriptStep{result: &models.UpstreamResult{Text: text}}
}

func rateLimitedStep() scriptStep {
	return scriptStep{err: &googleapi.Error{Code: 429, Message: "Resource has been exhausted (e.g. check quota)."}}
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestGateway(keys ...string) (*KeyRotationGateway, *KeyStateManager) {
	km := NewKeyStateManager(0)
	return NewKeyRotationGateway(NewCredentialPool(keys, nil), km, testLogger()), km
}

func generateRequest() *models.UpstreamRequest {
	return &models.UpstreamRequest{Operation: models.OperationGenerate, Prompt: "a cat in a hat"}
}

func TestExecute_ScenarioABC(t *testing.T) {
	gw, _ := newTestGateway("A", "B", "C")
	up := &scriptedUpstream{script: []scriptStep{rateLimitedStep(), rateLimitedStep(), okStep("from C")}}

	exec, err := gw.Execute(context.Background(), generateRequest(), up.call)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, up.Calls())
	assert.Equal(t, "from C", exec.Result.Text)
	assert.Equal(t, 3, exec.Attempts)
	assert.Equal(t, Fingerprint("C"), exec.Fingerprint)
	assert.Equal(t, 0, gw.Pool().Cursor(), "cursor should wrap back to A")
}

func TestExecute_AllRateLimited(t *testing.T) {
	gw, _ := newTestGateway("A", "B", "C")
	up := &scriptedUpstream{fallback: rateLimitedStep()}

	exec, err := gw.Execute(context.Background(), generateRequest(), up.call)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimitExhausted)
	assert.Len(t, up.Calls(), 3, "exactly N upstream invocations")
	assert.Equal(t, 3, exec.Attempts)

	var ge *GatewayError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, 429, ge.HTTPStatus())
}

func TestExecute_SingleKeyRateLimited(t *testing.T) {
	gw, _ := newTestGateway("A")
	up := &scriptedUpstream{fallback: rateLimitedStep()}

	_, err := gw.Execute(context.Background(), generateRequest(), up.call)
	assert.ErrorIs(t, err, ErrRateLimitExhausted)
	assert.Equal(t, []string{"A"}, up.Calls())
}

func TestExecute_FirstSuccessStopsImmediately(t *testing.T) {
	gw, _ := newTestGateway("A", "B", "C", "D")
	up := &scriptedUpstream{fallback: okStep("done")}

	exec, err := gw.Execute(context.Background(), generateRequest(), up.call)
	require.NoError(t, err)
	assert.Len(t, up.Calls(), 1)
	assert.Equal(t, 1, exec.Attempts)
}

func TestExecute_NonRetryableStopsImmediately(t *testing.T) {
	tests := []struct {
		name   string
		step   scriptStep
		reason string
		status int
	}{
		{
			name:   "transport error",
			step:   scriptStep{err: errors.New("dial tcp: connection refused")},
			reason: ReasonUpstream,
			status: 500,
		},
		{
			name:   "upstream bad request",
			step:   scriptStep{err: &googleapi.Error{Code: 400, Message: "invalid image"}},
			reason: ReasonUpstream,
			status: 400,
		},
		{
			name:   "safety rejection from adapter",
			step:   scriptStep{err: NewUpstreamRejected(ReasonSafety, "blocked", nil)},
			reason: ReasonSafety,
			status: 400,
		},
		{
			name:   "empty response",
			step:   scriptStep{result: &models.UpstreamResult{}},
			reason: ReasonEmptyResponse,
			status: 500,
		},
		{
			name:   "nil result without error",
			step:   scriptStep{},
			reason: ReasonEmptyResponse,
			status: 500,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, _ := newTestGateway("A", "B", "C")
			up := &scriptedUpstream{script: []scriptStep{tt.step}, fallback: okStep("should not be reached")}

			exec, err := gw.Execute(context.Background(), generateRequest(), up.call)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUpstreamRejected)
			assert.Len(t, up.Calls(), 1, "no fallback to other credentials")
			assert.Equal(t, 1, exec.Attempts)

			ge := AsGatewayError(err)
			assert.Equal(t, tt.reason, ge.Reason)
			assert.Equal(t, tt.status, ge.HTTPStatus())
		})
	}
}

func TestExecute_EmptyPool(t *testing.T) {
	gw, _ := newTestGateway()
	up := &scriptedUpstream{fallback: okStep("x")}

	exec, err := gw.Execute(context.Background(), generateRequest(), up.call)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Empty(t, up.Calls())
	assert.Equal(t, 0, exec.Attempts)
	assert.Equal(t, 500, AsGatewayError(err).HTTPStatus())
}

func TestExecute_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  *models.UpstreamRequest
	}{
		{"nil request", nil},
		{"generate without prompt", &models.UpstreamRequest{Operation: models.OperationGenerate, Prompt: "   "}},
		{"describe without image", &models.UpstreamRequest{Operation: models.OperationDescribe, Prompt: "what is it"}},
		{"describe with empty image", &models.UpstreamRequest{
			Operation:   models.OperationDescribe,
			Attachments: []models.Blob{{MimeType: "image/png"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, _ := newTestGateway("A")
			up := &scriptedUpstream{fallback: okStep("x")}

			_, err := gw.Execute(context.Background(), tt.req, up.call)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Empty(t, up.Calls())
			assert.Equal(t, 400, AsGatewayError(err).HTTPStatus())
		})
	}
}

func TestExecute_PayloadPassesThroughUnmodified(t *testing.T) {
	gw, _ := newTestGateway("A", "B")
	payload := []byte{0x89, 'P', 'N', 'G', 0x00, 0xff}
	up := &scriptedUpstream{fallback: scriptStep{result: &models.UpstreamResult{
		Data:     payload,
		MimeType: "image/png",
		Text:     "here you go",
	}}}

	exec, err := gw.Execute(context.Background(), generateRequest(), up.call)
	require.NoError(t, err)
	assert.Equal(t, payload, exec.Result.Data)
	assert.Equal(t, "image/png", exec.Result.MimeType)
	assert.Equal(t, "here you go", exec.Result.Text)
}

func TestExecute_RoundRobinAcrossCalls(t *testing.T) {
	gw, _ := newTestGateway("A", "B", "C")
	up := &scriptedUpstream{fallback: okStep("ok")}

	for i := 0; i < 3; i++ {
		_, err := gw.Execute(context.Background(), generateRequest(), up.call)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"A", "B", "C"}, up.Calls(), "N successful calls visit every credential once")
}

func TestExecute_RoundRobinWithOneRetryPerCall(t *testing.T) {
	gw, _ := newTestGateway("A", "B", "C")
	up := &scriptedUpstream{script: []scriptStep{
		rateLimitedStep(), okStep("1"),
		rateLimitedStep(), okStep("2"),
		rateLimitedStep(), okStep("3"),
	}}

	for i := 0; i < 3; i++ {
		_, err := gw.Execute(context.Background(), generateRequest(), up.call)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"A", "B", "C", "A", "B", "C"}, up.Calls())
}

func TestExecute_SequentialStrategyRestartsAtFirstKey(t *testing.T) {
	pool := NewCredentialPool([]string{"A", "B", "C"}, &SequentialStrategy{})
	gw := NewKeyRotationGateway(pool, nil, testLogger())
	up := &scriptedUpstream{script: []scriptStep{
		rateLimitedStep(), okStep("1"),
		okStep("2"),
	}}

	_, err := gw.Execute(context.Background(), generateRequest(), up.call)
	require.NoError(t, err)
	_, err = gw.Execute(context.Background(), generateRequest(), up.call)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "A"}, up.Calls())
}

func TestExecute_TracksCredentialState(t *testing.T) {
	gw, km := newTestGateway("A", "B", "C")
	km.cooldown = 60e9
	up := &scriptedUpstream{script: []scriptStep{
		rateLimitedStep(),
		{err: errors.New("boom")},
	}}

	_, err := gw.Execute(context.Background(), generateRequest(), up.call)
	require.Error(t, err)

	assert.Equal(t, KeyStatusCooldown, km.Status("A"))
	assert.Equal(t, KeyStatusFailing, km.Status("B"))
	assert.Equal(t, KeyStatusAvailable, km.Status("C"))
}

func TestExecute_ConcurrentCallersShareRotation(t *testing.T) {
	keys := []string{"A", "B", "C", "D"}
	gw, _ := newTestGateway(keys...)
	up := &scriptedUpstream{fallback: okStep("ok")}

	const callers = 40
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gw.Execute(context.Background(), generateRequest(), up.call)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	counts := map[string]int{}
	for _, k := range up.Calls() {
		counts[k]++
	}
	// 原子计数器保证每个凭证被均匀使用
	for _, k := range keys {
		assert.Equal(t, callers/len(keys), counts[k], "key %s", k)
	}
}
