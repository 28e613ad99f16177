package gpsemu

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/BearBump/CourierTrack/internal/integrations/location"
	"github.com/pkg/errors"
)

// Client talks to the GPS device emulator over HTTP.
type Client struct {
	baseURL  string
	deviceID string
	apiKey   string
	httpc    *http.Client
}

func New(baseURL, deviceID, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9100"
	}
	if deviceID == "" {
		deviceID = "courier-device"
	}
	return &Client{
		baseURL:  baseURL,
		deviceID: deviceID,
		apiKey:   apiKey,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type permissionBody struct {
	Granted bool `json:"granted"`
}

type positionBody struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Accuracy   float64   `json:"accuracy"`
	CapturedAt time.Time `json:"captured_at"`
}

func (c *Client) RequestPermission(ctx context.Context) (bool, error) {
	var pb permissionBody
	if err := c.get(ctx, "permission", nil, &pb); err != nil {
		return false, err
	}
	return pb.Granted, nil
}

func (c *Client) Watch(ctx context.Context, policy location.Policy) (location.Watch, error) {
	return location.NewPolledWatch(ctx, policy, func(ctx context.Context) (location.Fix, error) {
		return c.Position(ctx, policy.Accuracy)
	}), nil
}

func (c *Client) Position(ctx context.Context, accuracy location.Accuracy) (location.Fix, error) {
	q := url.Values{}
	if accuracy != "" {
		q.Set("accuracy", string(accuracy))
	}

	var pb positionBody
	if err := c.get(ctx, "position", q, &pb); err != nil {
		return location.Fix{}, err
	}

	capturedAt := pb.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}
	return location.Fix{
		Latitude:       pb.Lat,
		Longitude:      pb.Lng,
		AccuracyMeters: pb.Accuracy,
		CapturedAt:     capturedAt,
	}, nil
}

func (c *Client) get(ctx context.Context, resource string, q url.Values, out any) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return errors.Wrap(err, "parse base url")
	}
	u.Path = fmt.Sprintf("/v1/devices/%s/%s", url.PathEscape(c.deviceID), resource)
	if q == nil {
		q = url.Values{}
	}
	if c.apiKey != "" {
		q.Set("apiKey", c.apiKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return errors.Wrap(err, "new request")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("gps emulator rate limit (429)")
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("gps emulator http %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode")
	}
	return nil
}
