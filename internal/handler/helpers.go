package handler

import (
	"errors"
	"reflect"
	"strings"

	"xpos/internal/apierror"
	"xpos/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

func init() {
	// Register decimal.Decimal as a numeric type so that validator tags like
	// min=0, gt=0, required work without panicking ("Bad field type decimal.Decimal").
	validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if v, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := v.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	// Report json/form names in validation fields instead of Go field names.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"json", "form"} {
			name := strings.SplitN(f.Tag.Get(tag), ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return f.Name
	})
}

// bindAndValidate binds the JSON body and runs go-playground/validator tags.
// Returns false and writes the error response if validation fails;
// the caller should return immediately without writing another response.
func bindAndValidate(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		respondError(c, apierror.Validation("malformed JSON body", map[string]string{"body": err.Error()}))
		return false
	}
	return check(c, req)
}

// bindQuery is bindAndValidate for query-string parameters.
func bindQuery(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindQuery(req); err != nil {
		respondError(c, apierror.Validation("malformed query string", map[string]string{"query": err.Error()}))
		return false
	}
	return check(c, req)
}

func check(c *gin.Context, req interface{}) bool {
	err := validate.Struct(req)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		respondError(c, err)
		return false
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	respondError(c, apierror.Validation("request failed validation", fields))
	return false
}

// respondError renders err as the standard envelope. Internal errors are
// logged here because their detail is hidden from the client.
func respondError(c *gin.Context, err error) {
	status, body := apierror.ToResponse(err)
	if body.Error == apierror.KindInternal {
		log.Error().
			Err(err).
			Str("request_id", c.GetString(middleware.RequestIDKey)).
			Str("path", c.FullPath()).
			Msg("request failed")
	}
	c.AbortWithStatusJSON(status, body)
}

func badParam(c *gin.Context, name, reason string) {
	respondError(c, apierror.Validation("invalid "+name, map[string]string{name: reason}))
}

