package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port              string
	DatabaseURL       string
	PublicTrackingURL string
	DisplayTimezone   string
	AdminKeyHash      string

	OTPTTL            time.Duration
	OTPMaxAttempts    int
	OTPPurgeInterval  time.Duration
	OTPPurgeRetention time.Duration

	NotifyWorkers       int
	NotifyQueueSize     int
	NotifySendTimeout   time.Duration
	NotifyTemplatesFile string
	WhatsAppProvider    string
	SMSProvider         string
	SMSWebhookURL       string
	WhatsAppAPIURL      string
	WhatsAppPhoneID     string
	WhatsAppToken       string
	RabbitMQURL         string
	RabbitMQExchange    string

	RealtimeEnabled        bool
	RealtimeAllowedOrigins []string

	RateLimitPerMinute    int
	RateLimitBurst        int
	KeyRateLimitPerMinute int
	KeyRateLimitBurst     int
	TrustedProxies        []string
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:              port,
		DatabaseURL:       os.Getenv("DB_DSN"),
		PublicTrackingURL: readString("PUBLIC_TRACKING_URL", "http://localhost:"+port+"/api/track"),
		DisplayTimezone:   readString("DISPLAY_TIMEZONE", "UTC"),
		AdminKeyHash:      os.Getenv("ADMIN_KEY_HASH"),

		OTPTTL:            readDurationSeconds("OTP_TTL_SECONDS", 600),
		OTPMaxAttempts:    readInt("OTP_MAX_ATTEMPTS", 5),
		OTPPurgeInterval:  readDurationSeconds("OTP_PURGE_INTERVAL_SECONDS", 3600),
		OTPPurgeRetention: readDurationSeconds("OTP_PURGE_RETENTION_SECONDS", 86400),

		NotifyWorkers:       readInt("NOTIF_WORKERS", 2),
		NotifyQueueSize:     readInt("NOTIF_QUEUE_SIZE", 256),
		NotifySendTimeout:   readDurationSeconds("NOTIF_SEND_TIMEOUT_SECONDS", 10),
		NotifyTemplatesFile: os.Getenv("NOTIF_TEMPLATES_FILE"),
		WhatsAppProvider:    readString("NOTIF_WA_PROVIDER", "log"),
		SMSProvider:         readString("NOTIF_SMS_PROVIDER", "log"),
		SMSWebhookURL:       os.Getenv("NOTIF_SMS_WEBHOOK_URL"),
		WhatsAppAPIURL:      readString("WHATSAPP_API_URL", "https://graph.facebook.com/v19.0"),
		WhatsAppPhoneID:     os.Getenv("WHATSAPP_PHONE_NUMBER_ID"),
		WhatsAppToken:       os.Getenv("WHATSAPP_ACCESS_TOKEN"),
		RabbitMQURL:         os.Getenv("RABBITMQ_URL"),
		RabbitMQExchange:    readString("RABBITMQ_EXCHANGE", "repaircrm.notifications"),

		RealtimeEnabled:        readBool("REALTIME_ENABLED", true),
		RealtimeAllowedOrigins: readList("REALTIME_ALLOWED_ORIGINS"),

		RateLimitPerMinute:    readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:        readInt("RATE_LIMIT_BURST", 30),
		KeyRateLimitPerMinute: readInt("TRACK_RATE_LIMIT_PER_MIN", 60),
		KeyRateLimitBurst:     readInt("TRACK_RATE_LIMIT_BURST", 20),
		TrustedProxies:        readList("TRUSTED_PROXIES"),
	}
}

func readString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func readList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
