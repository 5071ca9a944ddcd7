package config

import (
	"errors"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const referencePlaceholder = "{referenceId}"

// PicPayConfig holds the admin managed settings of the PicPay payment method.
type PicPayConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	NotificationsEnabled bool          `mapstructure:"notifications_enabled"`
	APIBaseURL           string        `mapstructure:"api_base_url"`
	APIToken             string        `mapstructure:"api_token"`
	SellerToken          string        `mapstructure:"seller_token"`
	BasicAuth            BasicAuth     `mapstructure:"basic_auth"`
	CallbackURL          string        `mapstructure:"callback_url"`
	ReturnURL            string        `mapstructure:"return_url"`
	CheckoutMode         string        `mapstructure:"checkout_mode"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
}

// BasicAuth holds the optional basic credentials accepted on notifications.
// PasswordHash is a bcrypt hash.
type BasicAuth struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
}

func DefaultPicPayConfig() PicPayConfig {
	return PicPayConfig{
		Enabled:              false,
		NotificationsEnabled: true,
		APIBaseURL:           "https://appws.picpay.com/ecommerce/public",
		CallbackURL:          "http://localhost:8080/picpay/notification",
		ReturnURL:            "http://localhost:8080/checkout/success?order={referenceId}",
		CheckoutMode:         "redirect",
		RequestTimeout:       12 * time.Second,
	}
}

// PicPaySettingsHolder serves the current PicPay settings and swaps them in
// place when picpay.yml changes on disk.
type PicPaySettingsHolder struct {
	current atomic.Value // holds PicPayConfig
}

func NewPicPaySettingsHolder(cfg Config, log *zap.Logger) (*PicPaySettingsHolder, error) {
	log = log.Named("config.picpay")
	v := viper.New()

	v.SetConfigName("picpay")
	v.SetConfigType("yml")
	if cfg.SettingsPath != "" {
		v.AddConfigPath(cfg.SettingsPath)
	}
	v.AddConfigPath("/etc/payrelay")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PAYRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setPicPayDefaults(v, DefaultPicPayConfig())

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
		log.Info("picpay.yml not found, using environment and defaults")
	}

	settings, err := readPicPayConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &PicPaySettingsHolder{}
	holder.current.Store(settings)

	if fileLoaded {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := readPicPayConfig(v)
			if err != nil {
				log.Warn("picpay settings reload rejected", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("picpay settings reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

// NewStaticPicPaySettings returns a holder that never reloads.
func NewStaticPicPaySettings(settings PicPayConfig) *PicPaySettingsHolder {
	holder := &PicPaySettingsHolder{}
	holder.current.Store(settings)
	return holder
}

func setPicPayDefaults(v *viper.Viper, d PicPayConfig) {
	v.SetDefault("picpay.enabled", d.Enabled)
	v.SetDefault("picpay.notifications_enabled", d.NotificationsEnabled)
	v.SetDefault("picpay.api_base_url", d.APIBaseURL)
	v.SetDefault("picpay.api_token", d.APIToken)
	v.SetDefault("picpay.seller_token", d.SellerToken)
	v.SetDefault("picpay.basic_auth.username", d.BasicAuth.Username)
	v.SetDefault("picpay.basic_auth.password_hash", d.BasicAuth.PasswordHash)
	v.SetDefault("picpay.callback_url", d.CallbackURL)
	v.SetDefault("picpay.return_url", d.ReturnURL)
	v.SetDefault("picpay.checkout_mode", d.CheckoutMode)
	v.SetDefault("picpay.request_timeout", d.RequestTimeout)
}

func readPicPayConfig(v *viper.Viper) (PicPayConfig, error) {
	// Unmarshal walks every known key so PAYRELAY_PICPAY_* env overrides apply.
	var root struct {
		PicPay PicPayConfig `mapstructure:"picpay"`
	}
	if err := v.Unmarshal(&root); err != nil {
		return PicPayConfig{}, err
	}
	settings := root.PicPay
	settings.APIBaseURL = strings.TrimRight(strings.TrimSpace(settings.APIBaseURL), "/")
	settings.APIToken = strings.TrimSpace(settings.APIToken)
	settings.SellerToken = strings.TrimSpace(settings.SellerToken)
	settings.CheckoutMode = strings.ToLower(strings.TrimSpace(settings.CheckoutMode))
	if err := validatePicPayConfig(settings); err != nil {
		return PicPayConfig{}, err
	}
	return settings, nil
}

func validatePicPayConfig(cfg PicPayConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if _, err := url.ParseRequestURI(cfg.APIBaseURL); err != nil {
		return errors.New("picpay.api_base_url must be an absolute url")
	}
	if cfg.APIToken == "" {
		return errors.New("picpay.api_token is required when the module is enabled")
	}
	if cfg.NotificationsEnabled && cfg.SellerToken == "" && cfg.BasicAuth.PasswordHash == "" {
		return errors.New("picpay notifications need a seller_token or basic_auth credentials")
	}
	switch cfg.CheckoutMode {
	case "redirect", "iframe":
	default:
		return errors.New("picpay.checkout_mode must be redirect or iframe")
	}
	return nil
}

func (h *PicPaySettingsHolder) Get() PicPayConfig {
	return h.current.Load().(PicPayConfig)
}

func (h *PicPaySettingsHolder) Enabled() bool { return h.Get().Enabled }

func (h *PicPaySettingsHolder) NotificationsEnabled() bool { return h.Get().NotificationsEnabled }

func (h *PicPaySettingsHolder) APIBaseURL() string { return h.Get().APIBaseURL }

func (h *PicPaySettingsHolder) APIToken() string { return h.Get().APIToken }

func (h *PicPaySettingsHolder) SellerToken() string { return h.Get().SellerToken }

func (h *PicPaySettingsHolder) BasicAuth() (string, string) {
	auth := h.Get().BasicAuth
	return strings.TrimSpace(auth.Username), strings.TrimSpace(auth.PasswordHash)
}

// CallbackURL resolves the notification url for a reference.
func (h *PicPaySettingsHolder) CallbackURL(referenceID string) string {
	return resolveTemplate(h.Get().CallbackURL, referenceID)
}

// ReturnURL resolves the buyer return url for a reference.
func (h *PicPaySettingsHolder) ReturnURL(referenceID string) string {
	return resolveTemplate(h.Get().ReturnURL, referenceID)
}

func (h *PicPaySettingsHolder) CheckoutMode() string { return h.Get().CheckoutMode }

func (h *PicPaySettingsHolder) RequestTimeout() time.Duration {
	timeout := h.Get().RequestTimeout
	if timeout <= 0 {
		return DefaultPicPayConfig().RequestTimeout
	}
	return timeout
}

func resolveTemplate(tmpl, referenceID string) string {
	tmpl = strings.TrimSpace(tmpl)
	return strings.ReplaceAll(tmpl, referencePlaceholder, url.QueryEscape(referenceID))
}
