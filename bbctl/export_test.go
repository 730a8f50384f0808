package bbctl

// Subscribers returns the number of active event streams.
func (s *Server) Subscribers() int { return s.broker.Subscribers() }
