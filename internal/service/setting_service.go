package service

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"

	"candy-panel/internal/fleeterr"
	"candy-panel/internal/model"
	"candy-panel/internal/security"

	"github.com/goccy/go-json"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Recognized setting keys. Values are strings; the encoding of each is fixed
// by settingKinds. Keys outside this set are stored and returned untouched.
const (
	SettingServerIP        = "server_ip"
	SettingSessionToken    = "session_token"
	SettingDNS             = "dns"
	SettingAdmin           = "admin"
	SettingStatus          = "status"
	SettingAlert           = "alert"
	SettingResetTime       = "reset_time"
	SettingMTU             = "mtu"
	SettingCustomEndpoint  = "custom_endpont"
	SettingBandwidth       = "bandwidth"
	SettingUptime          = "uptime"
	SettingTelegramStatus  = "telegram_bot_status"
	SettingTelegramAdminID = "telegram_bot_admin_id"
	SettingTelegramToken   = "telegram_bot_token"
	SettingTelegramPrices  = "telegram_bot_prices"
	SettingAPITokens       = "api_tokens"
	SettingAutoBackup      = "auto_backup"
	SettingInstall         = "install"
)

type settingKind int

const (
	kindText settingKind = iota
	kindInt
	kindFlag
	kindJSONList
	kindJSONObject
)

var settingKinds = map[string]settingKind{
	SettingServerIP:        kindText,
	SettingSessionToken:    kindText,
	SettingDNS:             kindText,
	SettingAdmin:           kindJSONObject,
	SettingStatus:          kindFlag,
	SettingAlert:           kindJSONList,
	SettingResetTime:       kindInt,
	SettingMTU:             kindInt,
	SettingCustomEndpoint:  kindText,
	SettingBandwidth:       kindInt,
	SettingUptime:          kindInt,
	SettingTelegramStatus:  kindFlag,
	SettingTelegramAdminID: kindText,
	SettingTelegramToken:   kindText,
	SettingTelegramPrices:  kindJSONObject,
	SettingAPITokens:       kindJSONObject,
	SettingAutoBackup:      kindFlag,
	SettingInstall:         kindFlag,
}

// reserved keys are managed through their own operations.
var reservedSettings = map[string]bool{
	SettingAPITokens:    true,
	SettingAdmin:        true,
	SettingSessionToken: true,
}

var defaultSettings = map[string]string{
	SettingServerIP:        "192.168.1.100",
	SettingSessionToken:    "NONE",
	SettingDNS:             "8.8.8.8",
	SettingStatus:          "1",
	SettingAlert:           `["Welcome To Candy Panel"]`,
	SettingResetTime:       "0",
	SettingMTU:             "1420",
	SettingBandwidth:       "0",
	SettingUptime:          "0",
	SettingTelegramStatus:  "0",
	SettingTelegramAdminID: "0",
	SettingTelegramToken:   "0",
	SettingTelegramPrices:  `{"per_month":75000,"per_gb":4000}`,
	SettingAPITokens:       "{}",
	SettingAutoBackup:      "1",
	SettingInstall:         "0",
}

type adminCredentials struct {
	User         string `json:"user"`
	PasswordHash string `json:"password_hash,omitempty"`
	Password     string `json:"password,omitempty"`
}

// TelegramConfig is the notifier view of the telegram_bot_* settings.
type TelegramConfig struct {
	Enabled bool
	Token   string
	AdminID int64
}

type SettingService struct {
	db *gorm.DB
	// mu serializes read-modify-write of JSON valued settings.
	mu sync.Mutex
}

func NewSettingService(db *gorm.DB) *SettingService {
	return &SettingService{db: db}
}

// Seed inserts missing defaults and the admin account. Existing values are kept.
func (s *SettingService) Seed(ctx context.Context, adminUser, adminPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	admin, err := json.Marshal(adminCredentials{User: adminUser, PasswordHash: string(hash)})
	if err != nil {
		return err
	}

	rows := make([]model.Setting, 0, len(defaultSettings)+1)
	for key, value := range defaultSettings {
		rows = append(rows, model.Setting{Key: key, Value: value})
	}
	rows = append(rows, model.Setting{Key: SettingAdmin, Value: string(admin)})
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "setting_key"}},
		DoNothing: true,
	}).Create(&rows).Error
}

func (s *SettingService) Get(ctx context.Context, key string) (string, error) {
	var setting model.Setting
	err := s.db.WithContext(ctx).Where("setting_key = ?", key).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if v, ok := defaultSettings[key]; ok {
			return v, nil
		}
		return "", fleeterr.NotFound("get setting", "setting %s not found", key)
	}
	if err != nil {
		return "", err
	}
	return setting.Value, nil
}

// All returns every setting except the secrets that are never shown.
func (s *SettingService) All(ctx context.Context) (map[string]string, error) {
	var settings []model.Setting
	if err := s.db.WithContext(ctx).Find(&settings).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(settings))
	for _, st := range settings {
		if reservedSettings[st.Key] {
			continue
		}
		out[st.Key] = st.Value
	}
	return out, nil
}

// Update changes an editable setting after checking its encoding.
func (s *SettingService) Update(ctx context.Context, key, value string) error {
	const op = "update setting"
	key = strings.TrimSpace(key)
	if key == "" {
		return fleeterr.Validation(op, "key is required")
	}
	if reservedSettings[key] {
		return fleeterr.Validation(op, "setting %s cannot be changed here", key)
	}
	if err := ValidateSetting(key, value); err != nil {
		return err
	}
	return s.put(ctx, key, value)
}

func (s *SettingService) put(ctx context.Context, key, value string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "setting_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&model.Setting{Key: key, Value: value}).Error
}

// ValidateSetting checks value against the encoding of a recognized key.
func ValidateSetting(key, value string) error {
	const op = "validate setting"
	kind, known := settingKinds[key]
	if !known {
		return nil
	}
	switch kind {
	case kindInt:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return fleeterr.Validation(op, "%s must be a non-negative integer", key)
		}
		if key == SettingMTU && (n < 576 || n > 9000) {
			return fleeterr.Validation(op, "mtu must be between 576 and 9000")
		}
	case kindFlag:
		if value != "0" && value != "1" {
			return fleeterr.Validation(op, "%s must be '0' or '1'", key)
		}
	case kindJSONList:
		var list []any
		if err := json.Unmarshal([]byte(value), &list); err != nil {
			return fleeterr.Validation(op, "%s must be a JSON list", key)
		}
	case kindJSONObject:
		var obj map[string]any
		if err := json.Unmarshal([]byte(value), &obj); err != nil {
			return fleeterr.Validation(op, "%s must be a JSON object", key)
		}
	case kindText:
		if key == SettingDNS && strings.TrimSpace(value) == "" {
			return fleeterr.Validation(op, "dns must not be empty")
		}
	}
	return nil
}

// APITokens returns the name -> token map.
func (s *SettingService) APITokens(ctx context.Context) (map[string]string, error) {
	raw, err := s.Get(ctx, SettingAPITokens)
	if err != nil {
		return nil, err
	}
	tokens := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return tokens, nil
	}
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		// A corrupt map is treated as empty; the next write replaces it.
		return map[string]string{}, nil
	}
	return tokens, nil
}

// APITokenNames lists token names without their values.
func (s *SettingService) APITokenNames(ctx context.Context) ([]string, error) {
	tokens, err := s.APITokens(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tokens))
	for name := range tokens {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// PutAPIToken creates or replaces a token. An empty token is generated.
func (s *SettingService) PutAPIToken(ctx context.Context, name, token string) (string, error) {
	const op = "put api token"
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fleeterr.Validation(op, "token name is required")
	}
	if token == "" {
		generated, err := security.GenerateSecret(24)
		if err != nil {
			return "", err
		}
		token = generated
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tokens, err := s.APITokens(ctx)
	if err != nil {
		return "", err
	}
	tokens[name] = token
	if err := s.saveTokens(ctx, tokens); err != nil {
		return "", err
	}
	return token, nil
}

func (s *SettingService) DeleteAPIToken(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens, err := s.APITokens(ctx)
	if err != nil {
		return err
	}
	if _, ok := tokens[name]; !ok {
		return fleeterr.NotFound("delete api token", "api token %s not found", name)
	}
	delete(tokens, name)
	return s.saveTokens(ctx, tokens)
}

func (s *SettingService) saveTokens(ctx context.Context, tokens map[string]string) error {
	data, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	return s.put(ctx, SettingAPITokens, string(data))
}

// MatchAPIToken returns the name of the token equal to candidate.
func (s *SettingService) MatchAPIToken(ctx context.Context, candidate string) (string, bool) {
	if candidate == "" {
		return "", false
	}
	tokens, err := s.APITokens(ctx)
	if err != nil {
		return "", false
	}
	for name, token := range tokens {
		if security.Equal(token, candidate) {
			return name, true
		}
	}
	return "", false
}

// CheckAdmin verifies panel login credentials.
func (s *SettingService) CheckAdmin(ctx context.Context, user, password string) (bool, error) {
	raw, err := s.Get(ctx, SettingAdmin)
	if err != nil {
		if fleeterr.Is(err, fleeterr.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	var admin adminCredentials
	if err := json.Unmarshal([]byte(raw), &admin); err != nil {
		return false, fleeterr.Protocol("check admin", err)
	}
	if !security.Equal(admin.User, user) {
		return false, nil
	}
	if admin.PasswordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)) == nil, nil
	}
	return admin.Password != "" && security.Equal(admin.Password, password), nil
}

// SetAdmin replaces the admin account.
func (s *SettingService) SetAdmin(ctx context.Context, user, password string) error {
	const op = "set admin"
	if strings.TrimSpace(user) == "" || password == "" {
		return fleeterr.Validation(op, "user and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	data, err := json.Marshal(adminCredentials{User: user, PasswordHash: string(hash)})
	if err != nil {
		return err
	}
	return s.put(ctx, SettingAdmin, string(data))
}

// SetSessionToken records the token of the latest login.
func (s *SettingService) SetSessionToken(ctx context.Context, token string) error {
	return s.put(ctx, SettingSessionToken, token)
}

func (s *SettingService) Telegram(ctx context.Context) (TelegramConfig, error) {
	var cfg TelegramConfig
	status, err := s.Get(ctx, SettingTelegramStatus)
	if err != nil {
		return cfg, err
	}
	token, err := s.Get(ctx, SettingTelegramToken)
	if err != nil {
		return cfg, err
	}
	adminID, err := s.Get(ctx, SettingTelegramAdminID)
	if err != nil {
		return cfg, err
	}
	cfg.Token = strings.TrimSpace(token)
	cfg.AdminID, _ = strconv.ParseInt(strings.TrimSpace(adminID), 10, 64)
	cfg.Enabled = status == "1" && cfg.Token != "" && cfg.Token != "0" && cfg.AdminID != 0
	return cfg, nil
}
