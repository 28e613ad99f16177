package couriers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BearBump/CourierTrack/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type repoMock struct {
	mock.Mock
}

func (m *repoMock) FindCourierByName(ctx context.Context, name string) (*models.Courier, error) {
	args := m.Called(ctx, name)
	c, _ := args.Get(0).(*models.Courier)
	return c, args.Error(1)
}

type cacheMock struct {
	mock.Mock
}

func (m *cacheMock) Get(ctx context.Context, key string) ([]byte, bool, error) {
	args := m.Called(ctx, key)
	b, _ := args.Get(0).([]byte)
	return b, args.Bool(1), args.Error(2)
}

func (m *cacheMock) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return m.Called(ctx, key, value, ttl).Error(0)
}

func (m *cacheMock) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

type ResolverSuite struct {
	suite.Suite

	repo  *repoMock
	cache *cacheMock
	r     *Resolver
}

func (s *ResolverSuite) SetupTest() {
	s.repo = &repoMock{}
	s.cache = &cacheMock{}
	s.r = New(s.repo, s.cache, 10*time.Minute)
}

func (s *ResolverSuite) TestResolve_CacheHit_NoDB() {
	b, _ := json.Marshal(models.Courier{ID: "c1", Name: "Ana Souza"})
	s.cache.On("Get", mock.Anything, "courier:name:Ana Souza").Return(b, true, nil).Once()

	c, err := s.r.ResolveCourier(context.Background(), " Ana Souza ")
	s.Require().NoError(err)
	s.Equal("c1", c.ID)

	// second call is served from memory
	c, err = s.r.ResolveCourier(context.Background(), "Ana Souza")
	s.Require().NoError(err)
	s.Equal("c1", c.ID)

	s.repo.AssertNotCalled(s.T(), "FindCourierByName", mock.Anything, mock.Anything)
	s.cache.AssertExpectations(s.T())
}

func (s *ResolverSuite) TestResolve_CacheMiss_LoadsAndStores() {
	s.cache.On("Get", mock.Anything, "courier:name:Ana").Return(nil, false, nil).Once()
	s.repo.On("FindCourierByName", mock.Anything, "Ana").Return(&models.Courier{ID: "c9", Name: "Ana"}, nil).Once()
	s.cache.On("Set", mock.Anything, "courier:name:Ana", mock.Anything, 10*time.Minute).Return(nil).Once()

	c, err := s.r.ResolveCourier(context.Background(), "Ana")
	s.Require().NoError(err)
	s.Equal("c9", c.ID)
	s.repo.AssertExpectations(s.T())
	s.cache.AssertExpectations(s.T())
}

func (s *ResolverSuite) TestResolve_CacheErrorFallsBackToDB() {
	s.cache.On("Get", mock.Anything, mock.Anything).Return(nil, false, errors.New("redis down")).Once()
	s.repo.On("FindCourierByName", mock.Anything, "Ana").Return(&models.Courier{ID: "c9", Name: "Ana"}, nil).Once()
	s.cache.On("Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()

	c, err := s.r.ResolveCourier(context.Background(), "Ana")
	s.Require().NoError(err)
	s.Equal("c9", c.ID)
}

func (s *ResolverSuite) TestResolve_NotFound() {
	s.cache.On("Get", mock.Anything, mock.Anything).Return(nil, false, nil).Once()
	s.repo.On("FindCourierByName", mock.Anything, "Nobody").
		Return(nil, errors.Wrap(models.ErrCourierNotFound, "name")).Once()

	_, err := s.r.ResolveCourier(context.Background(), "Nobody")
	s.Require().ErrorIs(err, models.ErrCourierNotFound)
	s.NotErrorIs(err, models.ErrPersistence)
}

func (s *ResolverSuite) TestResolve_DBError_IsPersistence() {
	s.cache.On("Get", mock.Anything, mock.Anything).Return(nil, false, nil).Once()
	s.repo.On("FindCourierByName", mock.Anything, "Ana").Return(nil, errors.New("conn refused")).Once()

	_, err := s.r.ResolveCourier(context.Background(), "Ana")
	s.Require().ErrorIs(err, models.ErrPersistence)
}

func (s *ResolverSuite) TestResolve_EmptyName() {
	_, err := s.r.ResolveCourier(context.Background(), "  ")
	s.Require().ErrorIs(err, models.ErrCourierNotFound)
	s.cache.AssertNotCalled(s.T(), "Get", mock.Anything, mock.Anything)
}

func (s *ResolverSuite) TestResolve_CacheDisabled() {
	r := New(s.repo, nil, 0)
	s.repo.On("FindCourierByName", mock.Anything, "Ana").Return(&models.Courier{ID: "c9", Name: "Ana"}, nil).Once()

	_, err := r.ResolveCourier(context.Background(), "Ana")
	s.Require().NoError(err)
	_, err = r.ResolveCourier(context.Background(), "Ana")
	s.Require().NoError(err)
	s.repo.AssertExpectations(s.T())
}

func (s *ResolverSuite) TestForget() {
	s.cache.On("Get", mock.Anything, mock.Anything).Return(nil, false, nil)
	s.cache.On("Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	s.cache.On("Delete", mock.Anything, "courier:name:Ana").Return(nil).Once()
	s.repo.On("FindCourierByName", mock.Anything, "Ana").Return(&models.Courier{ID: "c9", Name: "Ana"}, nil).Twice()

	_, err := s.r.ResolveCourier(context.Background(), "Ana")
	s.Require().NoError(err)
	s.r.Forget(context.Background(), "Ana")
	_, err = s.r.ResolveCourier(context.Background(), "Ana")
	s.Require().NoError(err)
	s.repo.AssertExpectations(s.T())
}

func TestResolverSuite(t *testing.T) {
	suite.Run(t, new(ResolverSuite))
}
