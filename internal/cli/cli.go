package cli

// Command represents a cli command
type Command interface {
	Name() string
	Usage() string
	Description() string
	Run(ctx *Context) error
	Aliases() []string
}

// Context represents a cli context
type Context struct {
	Args []string
}
