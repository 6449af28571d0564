// Package buildsys compiles C sources to WebAssembly with an external Emscripten toolchain.
// Projects are declared in a Starlark suite file; each project yields a BuildTask that a small
// host runner drives. The compiler itself, caching and scheduling are out of scope.
package buildsys
