package middleware

import (
	"strings"

	"xpos/internal/apierror"
	"xpos/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	ClaimsKey = "claims"
	DeviceKey = "device"
)

// DeviceClaims are the claims of both device and enrollment tokens.
// Enrollment tokens carry no device_id.
type DeviceClaims struct {
	Type      string `json:"typ"`
	DeviceID  string `json:"device_id,omitempty"`
	AccountID string `json:"account_id"`
	BranchID  string `json:"branch_id"`
	jwt.RegisteredClaims
}

// DeviceAuth validates a device token and binds its identity to the request.
func DeviceAuth(secret string) gin.HandlerFunc {
	return tokenAuth(secret, service.TokenDevice)
}

// EnrollmentAuth validates the operator-issued token used once by
// POST /v1/devices/register.
func EnrollmentAuth(secret string) gin.HandlerFunc {
	return tokenAuth(secret, service.TokenEnrollment)
}

func tokenAuth(secret, typ string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			abort(c, apierror.Unauthorized("authentication required"))
			return
		}

		tokenStr := strings.TrimPrefix(header, "Bearer ")
		claims := &DeviceClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			abort(c, apierror.Unauthorized("invalid or expired token"))
			return
		}
		if claims.Type != typ {
			abort(c, apierror.Unauthorized("wrong token type"))
			return
		}

		dev, ok := claims.deviceContext(typ == service.TokenDevice)
		if !ok {
			abort(c, apierror.Unauthorized("malformed token claims"))
			return
		}
		c.Set(ClaimsKey, claims)
		c.Set(DeviceKey, dev)
		c.Next()
	}
}

func (cl *DeviceClaims) deviceContext(needDevice bool) (service.DeviceContext, bool) {
	var dev service.DeviceContext
	var err error
	if dev.AccountID, err = uuid.Parse(cl.AccountID); err != nil {
		return dev, false
	}
	if dev.BranchID, err = uuid.Parse(cl.BranchID); err != nil {
		return dev, false
	}
	if needDevice {
		if dev.DeviceID, err = uuid.Parse(cl.DeviceID); err != nil {
			return dev, false
		}
	}
	return dev, true
}

// GetDevice returns the identity bound by DeviceAuth or EnrollmentAuth.
func GetDevice(c *gin.Context) service.DeviceContext {
	dev, _ := c.MustGet(DeviceKey).(service.DeviceContext)
	return dev
}

func abort(c *gin.Context, err *apierror.Error) {
	status, body := apierror.ToResponse(err)
	c.AbortWithStatusJSON(status, body)
}

// abortStatus is abort with a status the taxonomy does not cover.
func abortStatus(c *gin.Context, status int, kind apierror.Kind, detail string) {
	c.AbortWithStatusJSON(status, apierror.Response{Error: kind, Detail: detail})
}
