package utils

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/sentinel"
)

func TestValidate_IdentifyRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     models.IdentifyRequest
		wantErr bool
	}{
		{name: "both present", req: models.IdentifyRequest{Email: models.NewFlexString("a@x.com"), PhoneNumber: models.NewFlexString("123")}},
		{name: "both absent is left to the engine", req: models.IdentifyRequest{}},
		{name: "padded email", req: models.IdentifyRequest{Email: models.NewFlexString("  A@X.com ")}},
		{name: "blank email", req: models.IdentifyRequest{Email: models.NewFlexString("   ")}},
		{name: "malformed email", req: models.IdentifyRequest{Email: models.NewFlexString("not-an-email")}, wantErr: true},
		{name: "phone too long", req: models.IdentifyRequest{PhoneNumber: models.NewFlexString(strings.Repeat("1", 33))}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.req)
			if tt.wantErr {
				assert.ErrorIs(t, err, sentinel.ErrBadRequest)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidate_MessageNamesField(t *testing.T) {
	_, err := Validate(models.IdentifyRequest{Email: models.NewFlexString("nope")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field 'Email' failed rule 'email'")
}

func TestBindRequest(t *testing.T) {
	bind := func(body string) (models.IdentifyRequest, error) {
		req := httptest.NewRequest(http.MethodPost, "/identify", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		c := echo.New().NewContext(req, httptest.NewRecorder())
		return BindRequest[models.IdentifyRequest](c)
	}

	got, err := bind(`{"email":"a@x.com","phoneNumber":123456}`)
	require.NoError(t, err)
	assert.Equal(t, "123456", got.PhoneNumber.Value)

	_, err = bind(`{"email":`)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))

	_, err = bind(`{"email":"bad"}`)
	assert.ErrorIs(t, err, sentinel.ErrBadRequest)
}
