package row

// Listener is notified of connection lifecycle events and of errors
// that are not returned to any caller, such as failed pushes.
type Listener interface {
	OnOpen(c *Conn)
	OnClose(c *Conn, err error)
	OnError(c *Conn, err error)
}

// NopListener is a Listener that does nothing.
type NopListener struct{}

func (NopListener) OnOpen(*Conn)         {}
func (NopListener) OnClose(*Conn, error) {}
func (NopListener) OnError(*Conn, error) {}

// ListenerFuncs is a Listener made of optional functions. A nil field
// ignores the corresponding event.
type ListenerFuncs struct {
	Open  func(*Conn)
	Close func(*Conn, error)
	Error func(*Conn, error)
}

// OnOpen implements Listener.
func (l ListenerFuncs) OnOpen(c *Conn) {
	if l.Open != nil {
		l.Open(c)
	}
}

// OnClose implements Listener.
func (l ListenerFuncs) OnClose(c *Conn, err error) {
	if l.Close != nil {
		l.Close(c, err)
	}
}

// OnError implements Listener.
func (l ListenerFuncs) OnError(c *Conn, err error) {
	if l.Error != nil {
		l.Error(c, err)
	}
}

// MultiListener returns a Listener that notifies each of ls in order.
func MultiListener(ls ...Listener) Listener {
	return multiListener(ls)
}

type multiListener []Listener

func (ml multiListener) OnOpen(c *Conn) {
	for _, l := range ml {
		l.OnOpen(c)
	}
}

func (ml multiListener) OnClose(c *Conn, err error) {
	for _, l := range ml {
		l.OnClose(c, err)
	}
}

func (ml multiListener) OnError(c *Conn, err error) {
	for _, l := range ml {
		l.OnError(c, err)
	}
}
