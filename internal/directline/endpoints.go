// ABOUTME: Regional endpoints, refresh margin and enhanced-auth user id rules
// ABOUTME: User ids bound to enhanced authentication must carry the dl_ prefix

package directline

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-directline/internal/apierr"
)

const (
	EndpointGlobal = "https://directline.botframework.com"
	EndpointEurope = "https://europe.directline.botframework.com"
	EndpointIndia  = "https://india.directline.botframework.com"

	// DefaultEndpoint is the public endpoint used when nothing is configured.
	DefaultEndpoint = EndpointGlobal

	// UserIDPrefix is required on user ids used with enhanced authentication.
	UserIDPrefix = "dl_"

	minRefreshMargin = 5 * time.Minute
)

var regions = map[string]string{
	"":       EndpointGlobal,
	"global": EndpointGlobal,
	"europe": EndpointEurope,
	"india":  EndpointIndia,
}

// EndpointForRegion returns the base URL of a regional deployment.
func EndpointForRegion(region string) (string, error) {
	ep, ok := regions[strings.ToLower(strings.TrimSpace(region))]
	if !ok {
		return "", apierr.New(apierr.KindConfiguration, "endpoint", fmt.Sprintf("unknown region %q", region))
	}
	return ep, nil
}

// RefreshMargin is the remaining validity below which a token should be
// refreshed: 10% of its lifetime or 5 minutes, whichever is larger.
func RefreshMargin(lifetime time.Duration) time.Duration {
	return max(lifetime/10, minRefreshMargin)
}

// NewUserID returns an unguessable user id with the enhanced-auth prefix.
func NewUserID() string {
	return UserIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidateUserID checks that id can be bound to an enhanced-auth session.
func ValidateUserID(id string) error {
	if !strings.HasPrefix(id, UserIDPrefix) || len(id) == len(UserIDPrefix) {
		return apierr.New(apierr.KindConfiguration, "validate user id",
			fmt.Sprintf("user id %q must start with %q followed by an unguessable suffix", id, UserIDPrefix))
	}
	return nil
}
