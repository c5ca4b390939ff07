package pipe

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"
	"tls-channel/transport"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

type PipeTestSuite struct {
	suite.Suite

	clk    clock.Clock
	c1, c2 *Conn
}

func TestPipeTestSuite(t *testing.T) {
	suite.Run(t, new(PipeTestSuite))
}

func (s *PipeTestSuite) SetupTest() {
	s.clk = clock.New()
	s.c1, s.c2 = Buffered("A", "B", s.clk, 16)
}

func (s *PipeTestSuite) TearDownTest() {
	defer goleak.VerifyNone(s.T())
	s.NoError(s.c1.Close())
	s.NoError(s.c2.Close())
}

func (s *PipeTestSuite) TestReadWrite() {
	data := []byte("Hello, World!")

	var wg sync.WaitGroup
	defer wg.Wait()
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, err := s.c1.Write(data)
		s.Require().NoError(err)
		s.Equal(len(data), n)
	}()
	go func() {
		defer wg.Done()
		buf := make([]byte, 10)

		n, err := s.c2.Read(buf)
		s.Require().NoError(err)
		s.Equal(len(buf), n)
		s.Equal(data[:n], buf)

		n, err = s.c2.Read(buf)
		s.Require().NoError(err)
		s.Equal(len(data)-len(buf), n)
		s.Equal(data[len(buf):], buf[:n])
	}()
}

func (s *PipeTestSuite) TestWriteLargerThanBuffer() {
	data := bytes.Repeat([]byte("ABCD"), 32)

	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		n, err := s.c1.Write(data)
		s.Require().NoError(err)
		s.Equal(len(data), n)
	}()

	got := make([]byte, 0, len(data))
	buf := make([]byte, 10)
	for len(got) < len(data) {
		n, err := s.c2.Read(buf)
		s.Require().NoError(err)
		got = append(got, buf[:n]...)
	}
	s.Equal(data, got)
}

func (s *PipeTestSuite) TestReadEOFAfterCounterpartClose() {
	n, err := s.c1.Write([]byte("bye"))
	s.Require().NoError(err)
	s.Require().Equal(3, n)

	s.Require().NoError(s.c1.Close())

	// Buffered bytes are still readable.
	buf := make([]byte, 10)
	n, err = s.c2.Read(buf)
	s.Require().NoError(err)
	s.Equal([]byte("bye"), buf[:n])

	_, err = s.c2.Read(buf)
	s.ErrorIs(err, io.EOF)
}

func (s *PipeTestSuite) TestReadAfterLocalClose() {
	s.Require().NoError(s.c1.Close())

	_, err := s.c1.Read(make([]byte, 1))
	s.ErrorIs(err, transport.ErrConnClosed)
}

func (s *PipeTestSuite) TestWriteAfterClose() {
	s.Require().NoError(s.c1.Close())

	_, err := s.c1.Write([]byte("x"))
	s.ErrorIs(err, transport.ErrConnClosed)

	_, err = s.c2.Write([]byte("x"))
	s.ErrorIs(err, transport.ErrConnClosed)
}

func (s *PipeTestSuite) TestNonBlockingRead() {
	s.c2.SetNonBlocking(true)

	n, err := s.c2.Read(make([]byte, 4))
	s.Require().NoError(err)
	s.Zero(n)

	_, err = s.c1.Write([]byte("data"))
	s.Require().NoError(err)

	buf := make([]byte, 4)
	n, err = s.c2.Read(buf)
	s.Require().NoError(err)
	s.Equal(4, n)
	s.Equal([]byte("data"), buf)
}

func (s *PipeTestSuite) TestNonBlockingWrite() {
	s.c1.SetNonBlocking(true)

	// The peer buffer holds 16 bytes; the rest does not fit.
	data := bytes.Repeat([]byte("z"), 20)
	n, err := s.c1.Write(data)
	s.Require().NoError(err)
	s.Equal(16, n)

	// Full: no progress at all.
	n, err = s.c1.Write(data[16:])
	s.Require().NoError(err)
	s.Zero(n)

	// Draining makes room again.
	buf := make([]byte, 16)
	_, err = s.c2.Read(buf)
	s.Require().NoError(err)

	n, err = s.c1.Write(data[16:])
	s.Require().NoError(err)
	s.Equal(4, n)
}

func (s *PipeTestSuite) TestReadDeadLine() {
	s.c1.SetReadDeadLine(s.clk.Now().Add(-time.Second))

	_, err := s.c1.Read(make([]byte, 1))
	s.ErrorIs(err, ErrDeadLineExceeded)

	s.c1.SetReadDeadLine(time.Time{})
	s.c1.SetNonBlocking(true)
	_, err = s.c1.Read(make([]byte, 1))
	s.NoError(err)
}

func (s *PipeTestSuite) TestWriteDeadLine() {
	s.c1.SetWriteDeadLine(s.clk.Now().Add(-time.Second))

	_, err := s.c1.Write(make([]byte, 1))
	s.ErrorIs(err, ErrDeadLineExceeded)
}

func (s *PipeTestSuite) TestWriteRace() {
	data := []byte("ABCD")
	N := 10

	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		result := make([]byte, 0)

		b := make([]byte, 10)
		for {
			n, err := s.c2.Read(b)
			if err != nil {
				s.Require().ErrorIs(err, io.EOF)
				s.Equal(bytes.Repeat(data, N), result)
				return
			}
			result = append(result, b[:n]...)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		var wwg sync.WaitGroup
		for i := 0; i < N; i++ {
			wwg.Add(1)
			go func() {
				defer wwg.Done()
				n, err := s.c1.Write(data)
				s.Require().NoError(err)
				s.Equal(len(data), n)
			}()
		}
		wwg.Wait()
		s.Require().NoError(s.c1.Close())
	}()
}
