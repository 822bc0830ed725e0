// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

package mastoapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	mmerr "github.com/halcy/mastodon-mod-tools/pkg/errors"
)

// RESTClient implements Client against the Mastodon REST admin API.
type RESTClient struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ Client = (*RESTClient)(nil)

// NewRESTClient creates a client for the instance at baseURL using the
// given admin-scoped access token.
func NewRESTClient(baseURL, token string) *RESTClient {
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *RESTClient) AdminAccounts(ctx context.Context, origin, status string) (*AccountsPage, error) {
	q := url.Values{}
	if origin != "" {
		q.Set("origin", origin)
	}
	if status != "" {
		q.Set("status", status)
	}

	return c.fetchAccountsPage(ctx, c.baseURL+"/api/v2/admin/accounts?"+q.Encode())
}

func (c *RESTClient) NextPage(ctx context.Context, p *AccountsPage) (*AccountsPage, error) {
	if !p.HasNext() {
		return nil, nil
	}
	return c.fetchAccountsPage(ctx, p.nextURL)
}

func (c *RESTClient) fetchAccountsPage(ctx context.Context, pageURL string) (*AccountsPage, error) {
	var accounts []*AdminAccount
	next, err := c.doWithLink(ctx, http.MethodGet, pageURL, nil, &accounts)
	if err != nil {
		return nil, err
	}
	return &AccountsPage{Accounts: accounts, nextURL: next}, nil
}

func (c *RESTClient) Account(ctx context.Context, id string) (*Account, error) {
	var acct Account
	if err := c.do(ctx, http.MethodGet, "/api/v1/accounts/"+url.PathEscape(id), nil, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

func (c *RESTClient) AccountStatuses(ctx context.Context, id string, limit int) ([]*Status, error) {
	path := "/api/v1/accounts/" + url.PathEscape(id) + "/statuses?limit=" + strconv.Itoa(limit)
	var statuses []*Status
	if err := c.do(ctx, http.MethodGet, path, nil, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

func (c *RESTClient) FileReport(ctx context.Context, accountID, comment string) (*Report, error) {
	body := map[string]any{
		"account_id": accountID,
		"comment":    comment,
		"category":   "spam",
	}
	var report Report
	if err := c.do(ctx, http.MethodPost, "/api/v1/reports", body, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *RESTClient) AdminReports(ctx context.Context, resolved bool) ([]*Report, error) {
	path := "/api/v1/admin/reports?resolved=" + strconv.FormatBool(resolved)
	var raw []json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}

	reports := make([]*Report, 0, len(raw))
	for _, payload := range raw {
		var report Report
		if err := json.Unmarshal(payload, &report); err != nil {
			return nil, mmerr.Wrap(err, mmerr.CodePlatformUpstreamFailure, "decoding admin report")
		}
		report.Raw = payload
		reports = append(reports, &report)
	}
	return reports, nil
}

func (c *RESTClient) ResolveReport(ctx context.Context, reportID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/admin/reports/"+url.PathEscape(reportID)+"/resolve", nil, nil)
}

func (c *RESTClient) ReopenReport(ctx context.Context, reportID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/admin/reports/"+url.PathEscape(reportID)+"/reopen", nil, nil)
}

func (c *RESTClient) ModerateAccount(ctx context.Context, accountID string, action ModerationAction, reportID string) error {
	body := map[string]any{"type": string(action)}
	if reportID != "" {
		body["report_id"] = reportID
	}
	return c.do(ctx, http.MethodPost, "/api/v1/admin/accounts/"+url.PathEscape(accountID)+"/action", body, nil)
}

func (c *RESTClient) UnsilenceAccount(ctx context.Context, accountID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/admin/accounts/"+url.PathEscape(accountID)+"/unsilence", nil, nil)
}

func (c *RESTClient) AdminDomainBlocks(ctx context.Context) ([]*DomainBlock, error) {
	var blocks []*DomainBlock
	if err := c.do(ctx, http.MethodGet, "/api/v1/admin/domain_blocks", nil, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

func (c *RESTClient) CreateDomainBlock(ctx context.Context, domain, severity, privateComment, publicComment string) (*DomainBlock, error) {
	body := map[string]any{
		"domain":          domain,
		"severity":        severity,
		"private_comment": privateComment,
		"public_comment":  publicComment,
	}
	var block DomainBlock
	if err := c.do(ctx, http.MethodPost, "/api/v1/admin/domain_blocks", body, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

func (c *RESTClient) InstancePeers(ctx context.Context) ([]string, error) {
	var peers []string
	if err := c.do(ctx, http.MethodGet, "/api/v1/instance/peers", nil, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

// do issues a request against a path relative to the configured base URL.
func (c *RESTClient) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.doWithLink(ctx, method, c.baseURL+path, body, out)
	return err
}

// doWithLink issues a request against an absolute URL and returns the
// rel="next" pagination link, if the response carried one.
func (c *RESTClient) doWithLink(ctx context.Context, method, absURL string, body, out any) (string, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return "", mmerr.Wrap(err, mmerr.CodePlatformRequestInvalid, "marshalling request body")
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, absURL, reqBody)
	if err != nil {
		return "", mmerr.Wrap(err, mmerr.CodePlatformRequestInvalid, "building request", mmerr.Field("url", absURL))
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", mmerr.Wrap(err, mmerr.CodePlatformUpstreamFailure, "calling platform API", mmerr.Field("url", absURL))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return "", mmerr.Errorf(mmerr.CodePlatformNotFound, "%s %s: status %d", method, absURL, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", mmerr.Errorf(mmerr.CodePlatformUpstreamFailure, "%s %s: status %d: %s", method, absURL, resp.StatusCode, snippet)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return "", mmerr.Wrap(err, mmerr.CodePlatformUpstreamFailure, "decoding response", mmerr.Field("url", absURL))
		}
	}

	return nextLink(resp.Header.Get("Link")), nil
}

// nextLink extracts the rel="next" URL from a Link header.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		section := strings.Split(part, ";")
		if len(section) < 2 {
			continue
		}
		urlPart := strings.Trim(strings.TrimSpace(section[0]), "<>")
		for _, attr := range section[1:] {
			if strings.TrimSpace(attr) == `rel="next"` {
				return urlPart
			}
		}
	}
	return ""
}
