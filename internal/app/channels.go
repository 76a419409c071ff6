package app

import (
	"context"
	"fmt"
	"strings"

	"dispatchd/internal/channel"
	"dispatchd/internal/channel/graph"
	"dispatchd/internal/channel/meta"
	"dispatchd/internal/channel/telegram"
	"dispatchd/internal/channel/whatsapp"
	"dispatchd/internal/config"
	"dispatchd/internal/domain"
	logx "dispatchd/pkg/logx"
)

type channelOptions struct {
	whatsAppDefault string
	cloud           graph.Options
	gateway         whatsapp.GatewayOptions
	meta            graph.Options
	telegram        telegram.Options
}

func mapChannels(cfg *config.Config) (channelOptions, error) {
	cc := cfg.Channels
	var (
		out channelOptions
		err error
	)
	out.whatsAppDefault = strings.ToLower(strings.TrimSpace(cc.WhatsAppDefault))
	switch out.whatsAppDefault {
	case "":
		out.whatsAppDefault = whatsapp.ProviderCloud
	case whatsapp.ProviderCloud, whatsapp.ProviderGateway:
	default:
		return out, fmt.Errorf("channels.whatsapp_default: unknown provider %q", cc.WhatsAppDefault)
	}

	out.cloud = graph.Options{BaseURL: cc.WhatsAppCloud.BaseURL, APIVersion: cc.WhatsAppCloud.APIVersion}
	if out.cloud.Timeout, err = config.ParseDurationField("channels.whatsapp_cloud.timeout", cc.WhatsAppCloud.Timeout); err != nil {
		return out, err
	}
	out.meta = graph.Options{BaseURL: cc.Meta.BaseURL, APIVersion: cc.Meta.APIVersion}
	if out.meta.Timeout, err = config.ParseDurationField("channels.meta.timeout", cc.Meta.Timeout); err != nil {
		return out, err
	}
	out.gateway = whatsapp.GatewayOptions{BaseURL: cc.WhatsAppGateway.BaseURL, APIKey: cc.WhatsAppGateway.APIKey}
	if out.gateway.PollInterval, err = config.ParseDurationField("channels.whatsapp_gateway.poll_interval", cc.WhatsAppGateway.PollInterval); err != nil {
		return out, err
	}
	if out.gateway.Timeout, err = config.ParseDurationField("channels.whatsapp_gateway.timeout", cc.WhatsAppGateway.Timeout); err != nil {
		return out, err
	}
	if out.whatsAppDefault == whatsapp.ProviderGateway && strings.TrimSpace(out.gateway.BaseURL) == "" {
		return out, fmt.Errorf("channels.whatsapp_gateway.base_url (or %s) is required when it is the whatsapp default", config.EnvGatewayURL)
	}
	if out.telegram.PollTimeout, err = config.ParseDurationField("channels.telegram.poll_timeout", cc.Telegram.PollTimeout); err != nil {
		return out, err
	}
	return out, nil
}

// registerBackends installs one factory per channel/provider pair.
func registerBackends(reg *channel.Registry, opts channelOptions) {
	reg.RegisterBackend(domain.ChannelWhatsApp, whatsapp.ProviderCloud, whatsapp.NewCloudFactory(opts.cloud))
	reg.RegisterBackend(domain.ChannelWhatsApp, whatsapp.ProviderGateway, whatsapp.NewGatewayFactory(opts.gateway))
	reg.SetDefault(domain.ChannelWhatsApp, opts.whatsAppDefault)

	messenger := meta.NewFactory(opts.meta)
	reg.RegisterBackend(domain.ChannelFacebook, meta.Provider, messenger)
	reg.RegisterBackend(domain.ChannelInstagram, meta.Provider, messenger)

	reg.RegisterBackend(domain.ChannelTelegram, telegram.Provider, telegram.NewFactory(opts.telegram))
}

// logInbound is the default inbound handler. Replies are not generated here.
func logInbound(log logx.Logger) channel.InboundHandler {
	return func(_ context.Context, msg channel.InboundMessage) {
		log.Info("inbound message",
			logx.String("connection_id", msg.ConnectionID),
			logx.String("channel", string(msg.Channel)),
			logx.String("from", msg.From),
			logx.Int("text_len", len(msg.Text)),
		)
	}
}
