package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/talkincode/hotspotbill/config"
	"github.com/talkincode/hotspotbill/internal/domain"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
	"gorm.io/gorm"
)

var ErrAlertNotFound = errors.New("alert not found")

// Alerter raises operator alerts
type Alerter interface {
	Raise(ctx context.Context, alert *domain.OperatorAlert) error
}

// AlertStore persists operator alerts
type AlertStore struct {
	db *gorm.DB
}

func NewAlertStore(db *gorm.DB) *AlertStore {
	return &AlertStore{db: db}
}

func (s *AlertStore) Create(ctx context.Context, alert *domain.OperatorAlert) error {
	return s.db.WithContext(ctx).Create(alert).Error
}

func (s *AlertStore) List(ctx context.Context, kind string, acknowledged *bool, page, pageSize int) ([]*domain.OperatorAlert, int64, error) {
	var alerts []*domain.OperatorAlert
	var total int64
	query := s.db.WithContext(ctx).Model(&domain.OperatorAlert{})
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}
	if acknowledged != nil {
		query = query.Where("acknowledged = ?", *acknowledged)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	err := query.Order("created_at DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&alerts).Error
	return alerts, total, err
}

func (s *AlertStore) Ack(ctx context.Context, id int64) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&domain.OperatorAlert{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"acknowledged": true, "acked_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlertNotFound
	}
	return nil
}

type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// AlertService stores an alert, publishes it and mails the operators when mail is enabled.
// Delivery failures are logged, the stored alert is the source of truth.
type AlertService struct {
	store *AlertStore
	bus   EventBus.Bus
	mail  mailSender
	cfg   config.MailConfig
}

func NewAlertService(store *AlertStore, bus EventBus.Bus, cfg config.MailConfig) *AlertService {
	s := &AlertService{store: store, bus: bus, cfg: cfg}
	if cfg.Enabled && cfg.Host != "" && len(cfg.To) > 0 {
		s.mail = gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	}
	return s
}

func (s *AlertService) Raise(ctx context.Context, alert *domain.OperatorAlert) error {
	if err := s.store.Create(ctx, alert); err != nil {
		return fmt.Errorf("store operator alert: %w", err)
	}
	zap.L().Warn("operator alert",
		zap.String("namespace", "notify"),
		zap.String("kind", alert.Kind),
		zap.Int64("router_id", alert.RouterID),
		zap.String("reference", alert.Reference),
		zap.String("message", alert.Message))
	Publish(s.bus, TopicAlertRaised, *alert)

	if s.mail != nil {
		go s.send(*alert)
	}
	return nil
}

func (s *AlertService) send(alert domain.OperatorAlert) {
	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", s.cfg.To...)
	m.SetHeader("Subject", fmt.Sprintf("[hotspotbill] %s %s", alert.Kind, alert.Reference))
	m.SetBody("text/plain", fmt.Sprintf("%s\n\nrouter: %d\nreference: %s\ntime: %s\n",
		alert.Message, alert.RouterID, alert.Reference, alert.CreatedAt.Format(time.RFC3339)))
	if err := s.mail.DialAndSend(m); err != nil {
		zap.L().Error("send alert mail failed",
			zap.String("namespace", "notify"),
			zap.String("kind", alert.Kind),
			zap.Error(err))
	}
}
