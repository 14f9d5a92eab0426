package sync

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// ByJwt is the client identity carried by the platform JWT. The token is
// parsed unverified on the client; the server is the party that verifies.
type ByJwt struct {
	Uid         int64
	DeviceId    string
	WorkspaceId string
}

func ParseByJwtUnverified(jwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}
	if uid, ok := claims["uid"]; ok {
		if v, ok := uid.(float64); ok {
			byJwt.Uid = int64(v)
		}
	}
	if deviceId, ok := claims["device_id"]; ok {
		if v, ok := deviceId.(string); ok {
			byJwt.DeviceId = v
		}
	}
	if workspaceId, ok := claims["workspace_id"]; ok {
		if v, ok := workspaceId.(string); ok {
			byJwt.WorkspaceId = v
		}
	}
	return byJwt, nil
}

// ClientAuth is the auth material presented on every new connection.
type ClientAuth struct {
	ByJwt      string
	DeviceId   string
	AppVersion string
}

func (self *ClientAuth) Uid() (int64, error) {
	byJwt, err := ParseByJwtUnverified(self.ByJwt)
	if err != nil {
		return 0, err
	}
	return byJwt.Uid, nil
}
