package featureflags

import (
	"context"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"

	"guildwallet/pkg/config"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

type FeatureFlag interface {
	Flags(ctx context.Context, identifier string, traits ...*flagsmith.Trait) (flagsmith.Flags, error)
	// Enabled reports whether feature is on for identifier. Without a
	// configured client every feature is off.
	Enabled(ctx context.Context, feature, identifier string) (bool, error)
}

type featureflag struct {
	client *flagsmith.Client
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		return &featureflag{}
	}

	opts := []flagsmith.Option{flagsmith.WithAnalytics()}
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}

	return &featureflag{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

func (s *featureflag) Flags(ctx context.Context, identifier string, traits ...*flagsmith.Trait) (flagsmith.Flags, error) {
	if s.client == nil {
		return flagsmith.Flags{}, nil
	}
	return s.client.GetIdentityFlags(identifier, traits)
}

func (s *featureflag) Enabled(ctx context.Context, feature, identifier string) (bool, error) {
	if s.client == nil {
		return false, nil
	}

	flags, err := s.client.GetIdentityFlags(identifier, nil)
	if err != nil {
		return false, err
	}
	return flags.IsFeatureEnabled(feature)
}
