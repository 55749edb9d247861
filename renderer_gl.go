package main

import (
	"fmt"
	"runtime"

	"github.com/go-gl/gl/v4.3-core/gl"
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/go-gl/mathgl/mgl32"
)

// Vertex shader draws one point per cell straight out of the simulation
// buffer: the cell index comes from gl_VertexID, dead cells collapse to a
// clipped position, living cells are colored by age.
const cellVertexShader = `
#version 430 core

layout(std430, binding = 0) readonly buffer Cells {
    uint cells[];
};

uniform mat4 mvp;
uniform ivec3 dims;
uniform float point_size;

out vec3 cellColor;

void main() {
    uint state = cells[gl_VertexID];
    if (state == 0u) {
        gl_Position = vec4(0.0, 0.0, 2.0, 0.0);
        gl_PointSize = 0.0;
        cellColor = vec3(0.0);
        return;
    }

    int x = gl_VertexID % dims.x;
    int y = (gl_VertexID / dims.x) % dims.y;
    int z = gl_VertexID / (dims.x * dims.y);
    vec3 pos = vec3(x, y, z) - vec3(dims) * 0.5 + 0.5;

    gl_Position = mvp * vec4(pos, 1.0);
    gl_PointSize = point_size / max(gl_Position.w, 0.1);

    float age = clamp(float(state) / 32.0, 0.0, 1.0);
    cellColor = mix(vec3(0.2, 0.9, 0.4), vec3(0.9, 0.3, 0.15), age);
}
`

const cellFragmentShader = `
#version 430 core

in vec3 cellColor;
out vec4 outColor;

void main() {
    vec2 d = gl_PointCoord - vec2(0.5);
    if (dot(d, d) > 0.25) {
        discard;
    }
    outColor = vec4(cellColor, 1.0);
}
`

// CellRenderer draws the living cells as a point cloud, reading the
// confirmed generation buffer directly on the GPU.
type CellRenderer struct {
	window *glfw.Window

	program uint32
	vao     uint32

	dims      [3]int32
	cellCount int32

	width, height int

	// Orbit camera
	distance  float32
	rotationX float32
	rotationY float32

	mouseDown  bool
	lastMouseX float64
	lastMouseY float64

	// Simulation control keys are forwarded here; camera keys are handled
	// internally.
	KeyHandler func(key glfw.Key)
}

// NewCellRenderer opens the window and compiles the point shader. Must
// run on the locked main thread; the GL context it creates stays current.
func NewCellRenderer(width, height, gridW, gridH, gridD int) (*CellRenderer, error) {
	runtime.LockOSThread()

	if err := glfw.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize GLFW: %v", err)
	}

	glfw.WindowHint(glfw.Resizable, glfw.True)
	glfw.WindowHint(glfw.ContextVersionMajor, 4)
	glfw.WindowHint(glfw.ContextVersionMinor, 3)
	glfw.WindowHint(glfw.OpenGLProfile, glfw.OpenGLCoreProfile)
	glfw.WindowHint(glfw.OpenGLForwardCompatible, glfw.True)

	window, err := glfw.CreateWindow(width, height, "Voxel Life", nil, nil)
	if err != nil {
		glfw.Terminate()
		return nil, fmt.Errorf("failed to create window: %v", err)
	}
	window.MakeContextCurrent()
	glfw.SwapInterval(1)

	if err := gl.Init(); err != nil {
		glfw.Terminate()
		return nil, fmt.Errorf("failed to initialize OpenGL: %v", err)
	}
	fmt.Println("OpenGL version:", gl.GoStr(gl.GetString(gl.VERSION)))

	maxDim := gridW
	if gridH > maxDim {
		maxDim = gridH
	}
	if gridD > maxDim {
		maxDim = gridD
	}

	r := &CellRenderer{
		window:    window,
		dims:      [3]int32{int32(gridW), int32(gridH), int32(gridD)},
		cellCount: int32(gridW * gridH * gridD),
		width:     width,
		height:    height,
		distance:  float32(maxDim) * 2.0,
	}

	r.program, err = compileRenderProgram(cellVertexShader, cellFragmentShader)
	if err != nil {
		glfw.Terminate()
		return nil, err
	}

	// Core profile needs a VAO bound even with no vertex attributes.
	gl.GenVertexArrays(1, &r.vao)

	gl.Enable(gl.DEPTH_TEST)
	gl.Enable(gl.PROGRAM_POINT_SIZE)
	gl.ClearColor(0.05, 0.05, 0.1, 1.0)

	window.SetSizeCallback(func(w *glfw.Window, width, height int) {
		r.width, r.height = width, height
		gl.Viewport(0, 0, int32(width), int32(height))
	})
	window.SetKeyCallback(func(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
		if action != glfw.Press {
			return
		}
		if key == glfw.KeyEscape {
			window.SetShouldClose(true)
			return
		}
		if r.KeyHandler != nil {
			r.KeyHandler(key)
		}
	})
	window.SetScrollCallback(func(w *glfw.Window, xoff, yoff float64) {
		r.distance -= float32(yoff) * float32(maxDim) * 0.1
		min := float32(maxDim) * 0.5
		if r.distance < min {
			r.distance = min
		}
	})
	window.SetMouseButtonCallback(func(w *glfw.Window, button glfw.MouseButton, action glfw.Action, mods glfw.ModifierKey) {
		if button == glfw.MouseButtonLeft {
			r.mouseDown = action == glfw.Press
			r.lastMouseX, r.lastMouseY = window.GetCursorPos()
		}
	})
	window.SetCursorPosCallback(func(w *glfw.Window, xpos, ypos float64) {
		if r.mouseDown {
			r.rotationY += float32(xpos-r.lastMouseX) * 0.01
			r.rotationX += float32(ypos-r.lastMouseY) * 0.01
			if r.rotationX > 1.5 {
				r.rotationX = 1.5
			}
			if r.rotationX < -1.5 {
				r.rotationX = -1.5
			}
		}
		r.lastMouseX, r.lastMouseY = xpos, ypos
	})

	return r, nil
}

func compileRenderProgram(vertexSrc, fragmentSrc string) (uint32, error) {
	compile := func(kind uint32, src string) (uint32, error) {
		shader := gl.CreateShader(kind)
		csrc, free := gl.Strs(src + "\x00")
		gl.ShaderSource(shader, 1, csrc, nil)
		free()
		gl.CompileShader(shader)

		var status int32
		gl.GetShaderiv(shader, gl.COMPILE_STATUS, &status)
		if status == gl.FALSE {
			var logLength int32
			gl.GetShaderiv(shader, gl.INFO_LOG_LENGTH, &logLength)
			log := make([]byte, logLength+1)
			gl.GetShaderInfoLog(shader, logLength, nil, &log[0])
			gl.DeleteShader(shader)
			return 0, fmt.Errorf("shader compilation failed: %s", log)
		}
		return shader, nil
	}

	vs, err := compile(gl.VERTEX_SHADER, vertexSrc)
	if err != nil {
		return 0, err
	}
	fs, err := compile(gl.FRAGMENT_SHADER, fragmentSrc)
	if err != nil {
		gl.DeleteShader(vs)
		return 0, err
	}

	program := gl.CreateProgram()
	gl.AttachShader(program, vs)
	gl.AttachShader(program, fs)
	gl.LinkProgram(program)
	gl.DeleteShader(vs)
	gl.DeleteShader(fs)

	var status int32
	gl.GetProgramiv(program, gl.LINK_STATUS, &status)
	if status == gl.FALSE {
		var logLength int32
		gl.GetProgramiv(program, gl.INFO_LOG_LENGTH, &logLength)
		log := make([]byte, logLength+1)
		gl.GetProgramInfoLog(program, logLength, nil, &log[0])
		gl.DeleteProgram(program)
		return 0, fmt.Errorf("program link failed: %s", log)
	}
	return program, nil
}

func (r *CellRenderer) mvp() mgl32.Mat4 {
	aspect := float32(r.width) / float32(r.height)
	proj := mgl32.Perspective(mgl32.DegToRad(45), aspect, 0.1, r.distance*10)

	eye := mgl32.Vec3{0, 0, r.distance}
	view := mgl32.LookAtV(eye, mgl32.Vec3{0, 0, 0}, mgl32.Vec3{0, 1, 0})
	model := mgl32.HomogRotate3DX(r.rotationX).Mul4(mgl32.HomogRotate3DY(r.rotationY))
	return proj.Mul4(view).Mul4(model)
}

// Render draws one frame from the given cell buffer. The buffer is bound
// read-only; the simulation's next buffer is never touched here.
func (r *CellRenderer) Render(cellBuffer uint32) {
	gl.Clear(gl.COLOR_BUFFER_BIT | gl.DEPTH_BUFFER_BIT)

	gl.UseProgram(r.program)
	gl.BindVertexArray(r.vao)
	gl.BindBufferBase(gl.SHADER_STORAGE_BUFFER, 0, cellBuffer)

	mvp := r.mvp()
	gl.UniformMatrix4fv(gl.GetUniformLocation(r.program, gl.Str("mvp\x00")), 1, false, &mvp[0])
	gl.Uniform3i(gl.GetUniformLocation(r.program, gl.Str("dims\x00")), r.dims[0], r.dims[1], r.dims[2])
	gl.Uniform1f(gl.GetUniformLocation(r.program, gl.Str("point_size\x00")), float32(r.height)/8)

	gl.DrawArrays(gl.POINTS, 0, r.cellCount)

	gl.BindVertexArray(0)
	r.window.SwapBuffers()
}

func (r *CellRenderer) ShouldClose() bool { return r.window.ShouldClose() }
func (r *CellRenderer) PollEvents()       { glfw.PollEvents() }

func (r *CellRenderer) SetTitle(title string) { r.window.SetTitle(title) }

func (r *CellRenderer) Terminate() {
	gl.DeleteVertexArrays(1, &r.vao)
	gl.DeleteProgram(r.program)
	glfw.Terminate()
}
