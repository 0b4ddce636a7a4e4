package ice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
)

// ErrNoCredentials is returned by Xirsys.Fetch when neither a bearer token
// nor a username/secret pair is configured.
var ErrNoCredentials = errors.New("missing xirsys credentials")

// Xirsys fetches short-lived TURN credentials from the Xirsys API. It is the
// upstream behind the relay's /api/ice endpoint.
type Xirsys struct {
	Region   string
	Channel  string
	Username string
	Secret   string
	Bearer   string

	// BaseURL overrides https://<region>.xirsys.net, mainly for tests.
	BaseURL string
	Client  *http.Client
}

// ApplyEnv overrides fields from XIRSYS_CHANNEL, XIRSYS_REGION,
// XIRSYS_USERNAME, XIRSYS_SECRET (or XIRSYS_API_KEY) and XIRSYS_BEARER, and
// fills the default region and channel.
func (x *Xirsys) ApplyEnv() {
	set := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	set(&x.Channel, "XIRSYS_CHANNEL")
	set(&x.Region, "XIRSYS_REGION")
	set(&x.Username, "XIRSYS_USERNAME")
	set(&x.Secret, "XIRSYS_SECRET", "XIRSYS_API_KEY")
	set(&x.Bearer, "XIRSYS_BEARER")

	if x.Channel == "" {
		x.Channel = "famcall"
	}
	if x.Region == "" {
		x.Region = "global"
	}
}

// Configured reports whether credentials are present.
func (x *Xirsys) Configured() bool {
	return x.Bearer != "" || (x.Username != "" && x.Secret != "")
}

func (x *Xirsys) endpoint() string {
	base := x.BaseURL
	if base == "" {
		base = fmt.Sprintf("https://%s.xirsys.net", x.Region)
	}
	return base + "/_turn/" + url.PathEscape(x.Channel)
}

// Fetch requests the server list. The response list may be nested under
// v.iceServers, iceServers or d.iceServers.
func (x *Xirsys) Fetch(ctx context.Context) ([]Server, error) {
	if !x.Configured() {
		return nil, &ResolutionError{Source: "xirsys", Err: ErrNoCredentials}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, x.endpoint(), nil)
	if err != nil {
		return nil, &ResolutionError{Source: "xirsys", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "famrelay/1.0")
	if x.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+x.Bearer)
	} else {
		cred := base64.StdEncoding.EncodeToString([]byte(x.Username + ":" + x.Secret))
		req.Header.Set("Authorization", "Basic "+cred)
	}

	client := x.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &ResolutionError{Source: "xirsys", Err: err}
	}
	defer resp.Body.Close()

	var body struct {
		V          *Response  `json:"v"`
		IceServers ServerList `json:"iceServers"`
		D          *Response  `json:"d"`
	}
	decodeErr := json.NewDecoder(resp.Body).Decode(&body)

	if resp.StatusCode/100 != 2 {
		return nil, &ResolutionError{Source: "xirsys", Err: fmt.Errorf("status %s", resp.Status)}
	}
	if decodeErr != nil {
		return nil, &ResolutionError{Source: "xirsys", Err: fmt.Errorf("invalid response: %w", decodeErr)}
	}

	switch {
	case body.V != nil && len(body.V.IceServers) > 0:
		return body.V.IceServers, nil
	case len(body.IceServers) > 0:
		return body.IceServers, nil
	case body.D != nil && len(body.D.IceServers) > 0:
		return body.D.IceServers, nil
	}
	return nil, &ResolutionError{Source: "xirsys", Err: errors.New("response carries no iceServers")}
}
