package webserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/talkincode/hotspotbill/config"
	"github.com/talkincode/hotspotbill/internal/metrics"
	"go.uber.org/zap"
)

const (
	AdminPrefix = "/api/v1/admin"
	HookPrefix  = "/api/v1/mpesa"

	// AppContextKey the echo context key carrying the application context
	AppContextKey = "appctx"
)

// Server the admin api and payment webhook listener
type Server struct {
	root  *echo.Echo
	admin *echo.Group
	hook  *echo.Group
	cfg   config.WebConfig
}

// Validator adapts validator v10 to echo
type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	return &Validator{validate: validator.New()}
}

func (v *Validator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

// NewServer builds the echo instance. appctx is attached to every request
// under AppContextKey.
func NewServer(cfg config.WebConfig, appctx interface{}) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewValidator()
	e.HTTPErrorHandler = errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("namespace", "web"),
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				zap.L().Warn("request", append(fields, zap.Error(v.Error))...)
				return nil
			}
			zap.L().Debug("request", fields...)
			return nil
		},
	}))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(AppContextKey, appctx)
			return next(c)
		}
	})

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	s := &Server{root: e, cfg: cfg}
	s.hook = e.Group(HookPrefix)
	s.admin = e.Group(AdminPrefix)
	if cfg.JwtSecret != "" {
		s.admin.Use(echojwt.WithConfig(echojwt.Config{
			SigningKey: []byte(cfg.JwtSecret),
			NewClaimsFunc: func(echo.Context) jwt.Claims {
				return new(jwt.RegisteredClaims)
			},
		}))
	} else {
		zap.L().Warn("web.jwt_secret is empty, admin api is unauthenticated",
			zap.String("namespace", "web"))
	}
	return s
}

// Echo exposes the underlying instance, mainly for tests
func (s *Server) Echo() *echo.Echo {
	return s.root
}

func (s *Server) ApiGET(path string, h echo.HandlerFunc) {
	s.admin.GET(path, h)
}

func (s *Server) ApiPOST(path string, h echo.HandlerFunc) {
	s.admin.POST(path, h)
}

func (s *Server) ApiPUT(path string, h echo.HandlerFunc) {
	s.admin.PUT(path, h)
}

func (s *Server) ApiDELETE(path string, h echo.HandlerFunc) {
	s.admin.DELETE(path, h)
}

// HookPOST registers a public webhook route
func (s *Server) HookPOST(path string, h echo.HandlerFunc) {
	s.hook.POST(path, h)
}

// Start blocks serving until Shutdown is called
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	zap.S().Infof("hotspotbill web server listening on %s", addr)
	if err := s.root.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.root.Shutdown(ctx)
}

// IssueToken signs an admin token for subject, valid for ttl
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "hotspotbill",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// errorHandler renders framework errors (404 route, 401 jwt, bind) in the api envelope
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	code := "INTERNAL_ERROR"
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		msg = fmt.Sprint(he.Message)
		switch status {
		case http.StatusNotFound:
			code = "NOT_FOUND"
		case http.StatusUnauthorized:
			code = "UNAUTHORIZED"
		case http.StatusBadRequest:
			code = "BAD_REQUEST"
			// older echo-jwt releases answer a missing token with 400
			if strings.Contains(msg, "jwt") {
				code, status = "UNAUTHORIZED", http.StatusUnauthorized
			}
		case http.StatusMethodNotAllowed:
			code = "METHOD_NOT_ALLOWED"
		}
	} else {
		zap.L().Error("unhandled api error", zap.String("namespace", "web"),
			zap.String("uri", c.Request().RequestURI), zap.Error(err))
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, map[string]interface{}{"code": code, "msg": msg})
}
