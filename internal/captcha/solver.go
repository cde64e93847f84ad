package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrNoSolver 未配置求解服务
var ErrNoSolver = errors.New("未配置验证码求解服务")

// Solver 验证码求解服务
type Solver interface {
	// Solve 返回可注入页面的令牌
	Solve(ctx context.Context, ch Challenge) (token string, err error)
}

// SolverFunc 函数适配器
type SolverFunc func(ctx context.Context, ch Challenge) (string, error)

// Solve 实现Solver接口
func (f SolverFunc) Solve(ctx context.Context, ch Challenge) (string, error) {
	return f(ctx, ch)
}

// NoSolver 总是失败,检测到挑战即视为无法解决
type NoSolver struct{}

// Solve 实现Solver接口
func (NoSolver) Solve(ctx context.Context, ch Challenge) (string, error) {
	return "", ErrNoSolver
}

// HTTPSolverConfig HTTP求解服务配置
type HTTPSolverConfig struct {
	Endpoint     string
	APIKey       string
	Timeout      time.Duration // 单个挑战的总求解时间
	PollInterval time.Duration
	Client       *http.Client
}

// HTTPSolver 通用JSON求解服务客户端
//
//	POST {endpoint}/tasks        {"provider","site_key","page_url"} → {"id","status","token"}
//	GET  {endpoint}/tasks/{id}   → {"id","status","token","error"}
//
// status 取值 pending | ready | failed
type HTTPSolver struct {
	config HTTPSolverConfig
	client *http.Client
}

type solveTask struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Token  string `json:"token"`
	Error  string `json:"error,omitempty"`
}

var errPending = errors.New("求解中")

// NewHTTPSolver 创建HTTP求解服务客户端
func NewHTTPSolver(config HTTPSolverConfig) *HTTPSolver {
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	config.Endpoint = strings.TrimRight(config.Endpoint, "/")
	return &HTTPSolver{config: config, client: client}
}

// Solve 提交挑战并轮询结果
func (s *HTTPSolver) Solve(ctx context.Context, ch Challenge) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{
		"provider": string(ch.Provider),
		"site_key": ch.SiteKey,
		"page_url": ch.PageURL,
	})
	if err != nil {
		return "", err
	}

	task, err := s.do(ctx, http.MethodPost, s.config.Endpoint+"/tasks", body)
	if err != nil {
		return "", fmt.Errorf("提交验证码任务失败: %w", err)
	}
	if token, done, err := task.result(); done {
		return token, err
	}
	if task.ID == "" {
		return "", fmt.Errorf("求解服务未返回任务ID")
	}

	var token string
	poll := func() error {
		t, err := s.do(ctx, http.MethodGet, s.config.Endpoint+"/tasks/"+task.ID, nil)
		if err != nil {
			// 网络错误继续轮询,直到总超时
			return err
		}
		tok, done, err := t.result()
		if !done {
			return errPending
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		token = tok
		return nil
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(s.config.PollInterval), ctx)
	if err := backoff.Retry(poll, b); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("等待求解结果超时: %w", ctxErr)
		}
		return "", err
	}
	return token, nil
}

// result 解析任务状态,done表示任务已结束
func (t solveTask) result() (token string, done bool, err error) {
	switch t.Status {
	case "ready":
		if t.Token == "" {
			return "", true, fmt.Errorf("求解服务返回空令牌")
		}
		return t.Token, true, nil
	case "failed":
		return "", true, fmt.Errorf("求解失败: %s", t.Error)
	default:
		return "", false, nil
	}
}

func (s *HTTPSolver) do(ctx context.Context, method, url string, body []byte) (solveTask, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return solveTask{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return solveTask{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("求解服务返回HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return solveTask{}, backoff.Permanent(err)
		}
		return solveTask{}, err
	}

	var task solveTask
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return solveTask{}, backoff.Permanent(fmt.Errorf("解析求解服务响应失败: %w", err))
	}
	return task, nil
}
