package roblox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/lanternops/placewatch/internal/httputil"
	"github.com/lanternops/placewatch/internal/logging"
)

var log = logging.L("roblox")

const (
	DefaultGroupsURL   = "https://groups.roblox.com"
	DefaultPresenceURL = "https://presence.roblox.com"
	DefaultUsersURL    = "https://users.roblox.com"
)

// ErrRateLimited is returned by Presences when the endpoint answers 429.
var ErrRateLimited = errors.New("roblox: rate limited")

// Options configures a Client. Zero values take defaults.
type Options struct {
	GroupsURL   string
	PresenceURL string
	UsersURL    string

	// RequestsPerSecond throttles all outbound calls. Zero disables the limiter.
	RequestsPerSecond float64
	Burst             int

	// Policy applies to roster and user lookups. Presence is never retried
	// synchronously: a failed cycle is dropped and the next one starts fresh.
	Policy httputil.Policy
}

type Client struct {
	http        httputil.Doer
	limiter     *rate.Limiter
	groupsURL   string
	presenceURL string
	usersURL    string
	policy      httputil.Policy
}

// NewHTTPClient returns the *http.Client used against Roblox with a
// per-request timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func NewClient(doer httputil.Doer, opts Options) *Client {
	c := &Client{
		http:        doer,
		groupsURL:   orDefault(opts.GroupsURL, DefaultGroupsURL),
		presenceURL: orDefault(opts.PresenceURL, DefaultPresenceURL),
		usersURL:    orDefault(opts.UsersURL, DefaultUsersURL),
		policy:      opts.Policy,
	}
	if c.policy.MaxAttempts == 0 {
		c.policy = httputil.DefaultPolicy()
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c
}

// GroupMember is one row of the group roster listing.
type GroupMember struct {
	UserID      string
	Username    string
	DisplayName string
	Rank        int
	RoleName    string
}

// MembersPage is one cursor page of the roster listing.
type MembersPage struct {
	Members    []GroupMember
	NextCursor string
}

type groupUsersResponse struct {
	Data []struct {
		User struct {
			UserID      int64  `json:"userId"`
			ID          int64  `json:"id"`
			Username    string `json:"username"`
			DisplayName string `json:"displayName"`
		} `json:"user"`
		Role struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
			Rank int    `json:"rank"`
		} `json:"role"`
	} `json:"data"`
	NextPageCursor *string `json:"nextPageCursor"`
}

// GroupMembers fetches one page of members of groupID starting at cursor.
func (c *Client) GroupMembers(ctx context.Context, groupID int64, cursor string, limit int) (MembersPage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("sortOrder", "Asc")
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u := fmt.Sprintf("%s/v1/groups/%d/users?%s", c.groupsURL, groupID, q.Encode())

	var body groupUsersResponse
	if err := c.getJSON(ctx, "roster", u, c.policy, &body); err != nil {
		return MembersPage{}, fmt.Errorf("group %d members: %w", groupID, err)
	}

	page := MembersPage{Members: make([]GroupMember, 0, len(body.Data))}
	for _, row := range body.Data {
		id := row.User.UserID
		if id == 0 {
			id = row.User.ID
		}
		if id == 0 {
			continue
		}
		page.Members = append(page.Members, GroupMember{
			UserID:      strconv.FormatInt(id, 10),
			Username:    row.User.Username,
			DisplayName: row.User.DisplayName,
			Rank:        row.Role.Rank,
			RoleName:    row.Role.Name,
		})
	}
	if body.NextPageCursor != nil {
		page.NextCursor = *body.NextPageCursor
	}
	return page, nil
}

// PresenceType is Roblox's userPresenceType classification.
type PresenceType int

const (
	Offline PresenceType = iota
	Online
	InGame
	InStudio
	Invisible
)

func (t PresenceType) String() string {
	switch t {
	case Offline:
		return "offline"
	case Online:
		return "online"
	case InGame:
		return "in_game"
	case InStudio:
		return "in_studio"
	case Invisible:
		return "invisible"
	default:
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

// Presence is one user's current presence. PlaceID is empty when Roblox does
// not disclose a location.
type Presence struct {
	UserID       string
	Type         PresenceType
	PlaceID      string
	RootPlaceID  string
	LastLocation string
}

type presenceRequest struct {
	UserIDs []int64 `json:"userIds"`
}

type presenceResponse struct {
	UserPresences []struct {
		UserPresenceType int    `json:"userPresenceType"`
		LastLocation     string `json:"lastLocation"`
		PlaceID          *int64 `json:"placeId"`
		RootPlaceID      *int64 `json:"rootPlaceId"`
		UserID           int64  `json:"userId"`
	} `json:"userPresences"`
}

// Presences looks up every id in one bulk request. Ids that are not numeric
// are skipped. A 429 yields ErrRateLimited; any other failure is wrapped.
func (c *Client) Presences(ctx context.Context, userIDs []string) ([]Presence, error) {
	reqBody := presenceRequest{UserIDs: make([]int64, 0, len(userIDs))}
	for _, id := range userIDs {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			log.Warn("skipping non-numeric user id", "userId", id)
			continue
		}
		reqBody.UserIDs = append(reqBody.UserIDs, n)
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal presence request: %w", err)
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	single := c.policy
	single.MaxAttempts = 1
	res := httputil.Do(ctx, c.http, httputil.Request{
		Name:   "presence",
		Method: http.MethodPost,
		URL:    c.presenceURL + "/v1/presence/users",
		Body:   payload,
		Header: http.Header{
			"Content-Type": {"application/json"},
			"Accept":       {"application/json"},
		},
	}, single)
	if res.Status == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}

	var body presenceResponse
	if err := res.Decode(&body); err != nil {
		return nil, fmt.Errorf("presence: %w", err)
	}

	out := make([]Presence, 0, len(body.UserPresences))
	for _, p := range body.UserPresences {
		out = append(out, Presence{
			UserID:       strconv.FormatInt(p.UserID, 10),
			Type:         PresenceType(p.UserPresenceType),
			PlaceID:      formatID(p.PlaceID),
			RootPlaceID:  formatID(p.RootPlaceID),
			LastLocation: p.LastLocation,
		})
	}
	return out, nil
}

// User is the subset of the users endpoint we care about.
type User struct {
	ID          string
	Name        string
	DisplayName string
}

type userResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// User looks up one account by id.
func (c *Client) User(ctx context.Context, id string) (User, error) {
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return User{}, fmt.Errorf("user id %q is not numeric", id)
	}
	var body userResponse
	if err := c.getJSON(ctx, "user", c.usersURL+"/v1/users/"+id, c.policy, &body); err != nil {
		return User{}, fmt.Errorf("user %s: %w", id, err)
	}
	return User{ID: id, Name: body.Name, DisplayName: body.DisplayName}, nil
}

func (c *Client) getJSON(ctx context.Context, name, u string, p httputil.Policy, v any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	res := httputil.Do(ctx, c.http, httputil.Request{
		Name:   name,
		Method: http.MethodGet,
		URL:    u,
		Header: http.Header{"Accept": {"application/json"}},
	}, p)
	return res.Decode(v)
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func formatID(v *int64) string {
	if v == nil || *v == 0 {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
