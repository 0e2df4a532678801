package docstore

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// ByJwt is the set of claims the store platform embeds in a client jwt.
// The client never verifies the signature. The platform is the authority
// on validity, the client only needs the ids for labeling and routing.
type ByJwt struct {
	UserId    Id
	StoreName string
	StoreId   Id
	ClientId  Id
}

func ParseByJwtUnverified(byJwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			byJwt.UserId = userId
		}
	}
	if storeName, ok := claims["store_name"].(string); ok {
		byJwt.StoreName = storeName
	}
	if storeIdStr, ok := claims["store_id"].(string); ok {
		if storeId, err := ParseId(storeIdStr); err == nil {
			byJwt.StoreId = storeId
		}
	}
	if clientIdStr, ok := claims["client_id"].(string); ok {
		if clientId, err := ParseId(clientIdStr); err == nil {
			byJwt.ClientId = clientId
		}
	}

	return byJwt, nil
}

type ClientAuth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

func (self *ClientAuth) ClientId() (Id, error) {
	byJwt, err := ParseByJwtUnverified(self.ByJwt)
	if err != nil {
		return Id{}, err
	}
	return byJwt.ClientId, nil
}
