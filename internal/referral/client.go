// Package referral предоставляет клиент для внешнего каталога рефералов.
package referral

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/coinledger/internal/apperr"
	"github.com/mmeshcher/coinledger/internal/model"
)

// Client инкапсулирует HTTP-взаимодействие с каталогом рефералов.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// RateLimitError возвращается, когда каталог просит повторить запрос позже.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("referral directory rate limited, retry after %s", e.RetryAfter)
}

// Unwrap относит ограничение частоты к недоступности хранилища, такой запрос можно повторить.
func (e *RateLimitError) Unwrap() error {
	return apperr.ErrStoreUnavailable
}

type referrerResponse struct {
	ReferrerID     string    `json:"referrerId"`
	MembershipTier string    `json:"membershipTier"`
	CreatedAt      time.Time `json:"createdAt"`
}

// NewClient создаёт HTTP-клиент для обращения к каталогу по указанному адресу.
func NewClient(baseURL string) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// GetReferrerOf запрашивает реферера пользователя. Если реферера нет, возвращает nil без ошибки.
func (c *Client) GetReferrerOf(ctx context.Context, userID string) (*model.User, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("referral client not configured")
	}
	if userID == "" {
		return nil, apperr.Validationf("user id is required")
	}

	endpoint := fmt.Sprintf("%s/api/referrals/%s", c.baseURL, url.PathEscape(userID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: do request: %v", apperr.ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusNotFound:
		return nil, nil
	case http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, &RateLimitError{RetryAfter: retryAfter}
	default:
		return nil, fmt.Errorf("%w: unexpected status: %d", apperr.ErrStoreUnavailable, resp.StatusCode)
	}

	var result referrerResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.ReferrerID == "" {
		return nil, nil
	}

	return &model.User{
		ID:             result.ReferrerID,
		MembershipTier: result.MembershipTier,
		CreatedAt:      result.CreatedAt,
	}, nil
}
