package services

import (
	"errors"
	"time"

	"streamcore/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// tokenIssuer scopes tokens to this service; a token signed with the same
// secret by another system is still rejected.
const tokenIssuer = "streamcore"

// AuthService resolves bearer tokens into a domain.Caller. It is the only
// identity logic in the core: ownership checks compare Caller.UserID with
// Stream.OwnerID.
type AuthService interface {
	GenerateToken(userID domain.UserID, username string) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
}

type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Caller converts validated claims into the identity passed to services.
// The subject claim carries the user id.
func (c *Claims) Caller() domain.Caller {
	return domain.Caller{UserID: domain.UserID(c.Subject), Username: c.Username}
}

type authService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

func NewAuthService(jwtSecret string, accessTokenTTL time.Duration) AuthService {
	s := &authService{
		secret: []byte(jwtSecret),
		ttl:    accessTokenTTL,
		now:    time.Now,
	}
	s.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	return s
}

func (s *authService) GenerateToken(userID domain.UserID, username string) (string, error) {
	issued := s.now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   string(userID),
			IssuedAt:  jwt.NewNumericDate(issued),
			NotBefore: jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(s.ttl)),
		},
	}).SignedString(s.secret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := s.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, ErrInvalidToken
	case claims.Subject == "":
		return nil, ErrInvalidToken
	}
	return claims, nil
}
