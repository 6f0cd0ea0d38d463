package aws

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/ratelimit"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	elb "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancing"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/jonboulle/clockwork"
)

// Client is the read-only inventory surface. It holds no state beyond a
// short-lived response cache; every query reflects the last successful fetch.
type Client struct {
	ec2Client   *ec2.Client
	elbClient   *elb.Client
	elbv2Client *elbv2.Client
	ssmClient   *ssm.Client
	stsClient   *sts.Client
	region      string
	clock       clockwork.Clock
	cache       *ttlCache
}

func newRetryer() aws.Retryer {
	return retry.NewStandard(func(o *retry.StandardOptions) {
		o.MaxAttempts = 5
		o.MaxBackoff = 30 * time.Second
		o.Backoff = retry.NewExponentialJitterBackoff(o.MaxBackoff)
		o.RateLimiter = ratelimit.None
	})
}

// LoadConfig resolves the ambient credential chain for the given profile.
// An empty profile falls through to AWS_PROFILE / default.
func LoadConfig(ctx context.Context, profile, region string) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

func NewClient(cfg aws.Config) *Client {
	return NewClientWithClock(cfg, clockwork.NewRealClock())
}

func NewClientWithClock(cfg aws.Config, clock clockwork.Clock) *Client {
	retryer := newRetryer()
	return &Client{
		ec2Client:   ec2.NewFromConfig(cfg, func(o *ec2.Options) { o.Retryer = retryer }),
		elbClient:   elb.NewFromConfig(cfg, func(o *elb.Options) { o.Retryer = retryer }),
		elbv2Client: elbv2.NewFromConfig(cfg, func(o *elbv2.Options) { o.Retryer = retryer }),
		ssmClient:   ssm.NewFromConfig(cfg, func(o *ssm.Options) { o.Retryer = retryer }),
		stsClient:   sts.NewFromConfig(cfg, func(o *sts.Options) { o.Retryer = retryer }),
		region:      cfg.Region,
		clock:       clock,
		cache:       newTTLCache(30*time.Second, 500),
	}
}

func (c *Client) Region() string { return c.region }

// CallerIdentity validates the session and reports the active account/ARN,
// used to label the resolution origin in user-visible errors.
func (c *Client) CallerIdentity(ctx context.Context) (account, arn string, err error) {
	out, err := c.stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", "", fmt.Errorf("get caller identity: %w", err)
	}
	return derefString(out.Account), derefString(out.Arn), nil
}

func (c *Client) cacheKey(parts ...string) string {
	return strings.Join(parts, ":")
}
