package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RecoveryAshes/eventharvest/internal/metrics"
	"github.com/RecoveryAshes/eventharvest/internal/models"
	"github.com/RecoveryAshes/eventharvest/internal/selector"
)

const cleanPage = `<html><head><title>Glitterbox</title></head><body><h1>Glitterbox</h1></body></html>`

func mustParse(t *testing.T, raw string) *selector.Document {
	t.Helper()
	doc, err := selector.ParseDocument(raw)
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	return doc
}

func TestDetector_Detect(t *testing.T) {
	tests := []struct {
		name     string
		html     string
		provider Provider
		siteKey  string
	}{
		{"普通页面", cleanPage, "", ""},
		{"reCAPTCHA控件", `<div class="g-recaptcha" data-sitekey="6Lc-abc"></div>`, ProviderRecaptcha, "6Lc-abc"},
		{"隐形reCAPTCHA不算挑战", `<form><div class="g-recaptcha" data-size="invisible"></div></form>`, "", ""},
		{"带sitekey的隐形reCAPTCHA", `<form><div class="g-recaptcha" data-sitekey="6Lc-abc" data-size="invisible"></div></form>`, "", ""},
		{"隐形reCAPTCHA徽标iframe", `<div class="grecaptcha-badge"><div class="grecaptcha-logo"><iframe src="https://www.google.com/recaptcha/api2/anchor?ar=1&k=6Lc-abc&size=invisible"></iframe></div></div>`, "", ""},
		{"徽标容器内的iframe", `<div class="grecaptcha-badge"><iframe src="https://www.google.com/recaptcha/api2/anchor?k=6Lc-abc"></iframe></div>`, "", ""},
		{"隐形徽标与可见控件并存", `<div class="g-recaptcha" data-sitekey="6Lc-abc" data-size="invisible"></div><div class="h-captcha" data-sitekey="10000000-ffff"></div>`, ProviderHCaptcha, "10000000-ffff"},
		{"reCAPTCHA iframe", `<iframe src="https://www.google.com/recaptcha/api2/anchor?k=6Lf-key&co=x"></iframe>`, ProviderRecaptcha, "6Lf-key"},
		{"hCaptcha", `<div class="h-captcha" data-sitekey="10000000-ffff"></div>`, ProviderHCaptcha, "10000000-ffff"},
		{"Turnstile", `<div class="cf-turnstile" data-sitekey="0x4AAA"></div>`, ProviderTurnstile, "0x4AAA"},
		{"Cloudflare质询页", `<html><head><title>Just a moment...</title></head><body><form id="challenge-form"></form></body></html>`, ProviderCloudflare, ""},
		{"仅有data-sitekey", `<script src="https://js.hcaptcha.com/1/api.js"></script><div data-sitekey="abc"></div>`, ProviderHCaptcha, "abc"},
	}

	d := NewDetector()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := d.Detect(mustParse(t, tt.html), "https://example.com/e/1")
			if tt.provider == "" {
				if ch != nil {
					t.Fatalf("不应检测到挑战, 实际%+v", ch)
				}
				return
			}
			if ch == nil {
				t.Fatal("应检测到挑战")
			}
			if ch.Provider != tt.provider || ch.SiteKey != tt.siteKey {
				t.Errorf("Detect() = %+v, want provider=%s sitekey=%s", ch, tt.provider, tt.siteKey)
			}
			if ch.PageURL != "https://example.com/e/1" || ch.Marker == "" {
				t.Errorf("挑战缺少上下文: %+v", ch)
			}
		})
	}
}

type fakePage struct {
	html    string
	evalErr error
	evals   []string
	tokens  []interface{}
}

func (p *fakePage) HTML(ctx context.Context) (string, error) { return p.html, nil }
func (p *fakePage) Eval(ctx context.Context, js string, args ...interface{}) error {
	p.evals = append(p.evals, js)
	p.tokens = append(p.tokens, args...)
	return p.evalErr
}

const challengePage = `<html><body><div class="g-recaptcha" data-sitekey="6Lc-abc" data-callback="onOk"></div></body></html>`

func TestResolver_Resolve(t *testing.T) {
	solved := SolverFunc(func(ctx context.Context, ch Challenge) (string, error) {
		if ch.SiteKey != "6Lc-abc" {
			return "", errors.New("unexpected sitekey")
		}
		return "tok-123", nil
	})

	tests := []struct {
		name      string
		initial   string
		after     string
		solver    Solver
		evalErr   error
		wantState State
		wantTrace []State
		wantErr   bool
	}{
		{
			name:      "没有挑战",
			initial:   cleanPage,
			solver:    solved,
			wantState: StateNone,
			wantTrace: []State{StateNone},
		},
		{
			name:      "求解成功",
			initial:   challengePage,
			after:     cleanPage,
			solver:    solved,
			wantState: StateSolved,
			wantTrace: []State{StateDetected, StateSolving, StateSolved},
		},
		{
			name:      "未配置求解器",
			initial:   challengePage,
			solver:    nil,
			wantState: StateUnsolvable,
			wantTrace: []State{StateDetected, StateSolving, StateUnsolvable},
			wantErr:   true,
		},
		{
			name:      "注入后挑战仍在",
			initial:   challengePage,
			after:     challengePage,
			solver:    solved,
			wantState: StateUnsolvable,
			wantTrace: []State{StateDetected, StateSolving, StateUnsolvable},
			wantErr:   true,
		},
		{
			name:      "注入失败",
			initial:   challengePage,
			after:     cleanPage,
			solver:    solved,
			evalErr:   errors.New("target closed"),
			wantState: StateUnsolvable,
			wantTrace: []State{StateDetected, StateSolving, StateUnsolvable},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := metrics.NewRecorder()
			r := NewResolver(tt.solver, ResolverOptions{Metrics: rec})
			page := &fakePage{html: tt.after, evalErr: tt.evalErr}

			res, err := r.Resolve(context.Background(), page, mustParse(t, tt.initial), "https://example.com/e/1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, models.ErrCaptchaUnsolvable) {
				t.Errorf("错误应包装ErrCaptchaUnsolvable: %v", err)
			}
			if res.State != tt.wantState {
				t.Errorf("State = %s, want %s", res.State, tt.wantState)
			}
			if !reflect.DeepEqual(res.Trace, tt.wantTrace) {
				t.Errorf("Trace = %v, want %v", res.Trace, tt.wantTrace)
			}
			if res.State == StateSolved {
				if len(page.tokens) != 1 || page.tokens[0] != "tok-123" {
					t.Errorf("令牌未注入: %v", page.tokens)
				}
				if res.Document.Title() != "Glitterbox" {
					t.Error("求解后应返回刷新的页面")
				}
			}
			if tt.wantState != StateNone {
				if got := rec.Snapshot().CaptchaStates[tt.wantState.String()]; got != 1 {
					t.Errorf("指标 %s = %d", tt.wantState, got)
				}
			}
		})
	}
}

func TestResolver_SolveTimeout(t *testing.T) {
	slow := SolverFunc(func(ctx context.Context, ch Challenge) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	r := NewResolver(slow, ResolverOptions{SolveTimeout: 20 * time.Millisecond})

	start := time.Now()
	res, err := r.Resolve(context.Background(), &fakePage{}, mustParse(t, challengePage), "https://example.com")
	if !errors.Is(err, models.ErrCaptchaUnsolvable) {
		t.Fatalf("期望ErrCaptchaUnsolvable, 实际%v", err)
	}
	if res.State != StateUnsolvable {
		t.Errorf("State = %s", res.State)
	}
	if time.Since(start) > time.Second {
		t.Error("求解应在SolveTimeout后放弃")
	}
}

func TestHTTPSolver(t *testing.T) {
	tests := []struct {
		name      string
		polls     int32 // pending次数
		final     string
		status    int
		wantToken string
		wantErr   bool
	}{
		{"轮询后成功", 2, "ready", http.StatusOK, "tok-xyz", false},
		{"服务端求解失败", 1, "failed", http.StatusOK, "", true},
		{"认证失败不重试", 0, "", http.StatusUnauthorized, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gets atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Authorization") != "Bearer secret" {
					t.Errorf("缺少认证头")
				}
				if tt.status != http.StatusOK {
					w.WriteHeader(tt.status)
					return
				}
				switch {
				case r.Method == http.MethodPost && r.URL.Path == "/tasks":
					var req map[string]string
					json.NewDecoder(r.Body).Decode(&req)
					if req["provider"] != "turnstile" || req["site_key"] != "0x4AAA" {
						t.Errorf("请求体 = %v", req)
					}
					json.NewEncoder(w).Encode(solveTask{ID: "t1", Status: "pending"})
				case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/tasks/t1"):
					if gets.Add(1) <= tt.polls {
						json.NewEncoder(w).Encode(solveTask{ID: "t1", Status: "pending"})
						return
					}
					json.NewEncoder(w).Encode(solveTask{ID: "t1", Status: tt.final, Token: tt.wantToken, Error: "bad sitekey"})
				default:
					http.NotFound(w, r)
				}
			}))
			defer srv.Close()

			solver := NewHTTPSolver(HTTPSolverConfig{
				Endpoint:     srv.URL + "/",
				APIKey:       "secret",
				Timeout:      2 * time.Second,
				PollInterval: 5 * time.Millisecond,
			})
			token, err := solver.Solve(context.Background(), Challenge{Provider: ProviderTurnstile, SiteKey: "0x4AAA", PageURL: "https://example.com"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Solve() error = %v, wantErr %v", err, tt.wantErr)
			}
			if token != tt.wantToken {
				t.Errorf("token = %q, want %q", token, tt.wantToken)
			}
		})
	}
}

func TestState_String(t *testing.T) {
	states := map[State]string{
		StateNone:       "none",
		StateDetected:   "detected",
		StateSolving:    "solving",
		StateSolved:     "solved",
		StateUnsolvable: "unsolvable",
		State(42):       "unknown",
	}
	for s, want := range states {
		if s.String() != want {
			t.Errorf("State(%d).String() = %s, want %s", int(s), s.String(), want)
		}
	}
}
